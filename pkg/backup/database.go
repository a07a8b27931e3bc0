package backup

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opendatahub-io/rhoai-migration-tools/pkg/discovery"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/metadata"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/podexec"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/types"
)

// dumpFileName is the database payload inside a backup directory.
const dumpFileName = "dump.sql"

func (b *Backuper) backupDatabase(ctx context.Context, opts Options, storage discovery.ServiceStorage) (*types.BackupMetadata, error) {
	pod, err := b.disc.FindDatabasePod(ctx, opts.Namespace, opts.ServiceName, "", opts.phase())
	if err != nil {
		b.diagnose(ctx, opts.Namespace)
		return nil, err
	}
	b.printer.Info("database pod: %s", pod.Name)

	secret, err := b.disc.FindDBSecret(ctx, opts.Namespace, opts.ServiceName, "", storage.DBSecret)
	if err != nil {
		b.diagnose(ctx, opts.Namespace)
		return nil, err
	}
	b.printer.Info("credentials secret: %s", secret.Name)

	creds, err := discovery.ExtractCredentials(secret)
	if err != nil {
		return nil, err
	}

	dumpTool := b.detectDumpTool(ctx, opts.Namespace, pod.Name)

	if opts.DryRun {
		if dumpTool != "" {
			b.printer.Info("dry run: would dump database %q from %s using %s", creds.Database, pod.Name, dumpTool)
		} else {
			b.printer.Info("dry run: would dump database %q from %s via manual statement generation", creds.Database, pod.Name)
		}
		return nil, nil
	}

	// Remember whether the directory pre-existed so cleanup on a failed
	// dump only removes what this run created.
	_, statErr := os.Stat(opts.BackupDir)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(opts.BackupDir, 0755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	dumpPath := filepath.Join(opts.BackupDir, dumpFileName)
	cleanup := func() {
		os.Remove(dumpPath)
		if created {
			os.RemoveAll(opts.BackupDir)
		}
	}

	method := "native"
	dumpCommand := dumpTool
	if dumpTool != "" {
		err = b.nativeDump(ctx, opts, pod.Name, dumpTool, creds, dumpPath)
	} else {
		b.printer.Warn("no mysqldump/mariadb-dump in pod %s, falling back to manual dump", pod.Name)
		dumpCommand = "mysql"
		method, err = b.manualDump(ctx, opts, pod.Name, creds, dumpPath)
	}
	if err != nil {
		cleanup()
		return nil, err
	}

	lines, err := countLines(dumpPath)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("inspecting dump: %w", err)
	}
	if lines <= 1 {
		cleanup()
		return nil, fmt.Errorf("dump of database %q produced only %d line(s); treating as failed", creds.Database, lines)
	}
	b.printer.Info("dump written: %s (%d lines)", dumpPath, lines)

	meta := &types.BackupMetadata{
		Timestamp:     time.Now().UTC(),
		Namespace:     opts.Namespace,
		ServiceName:   opts.ServiceName,
		StorageFormat: types.StorageDatabase,
		Database: &types.DatabaseBackupInfo{
			Pod:          pod.Name,
			SecretName:   secret.Name,
			DatabaseName: creds.Database,
			DatabaseUser: creds.Username,
			DumpCommand:  dumpCommand,
			DumpMethod:   method,
			DumpLines:    lines,
		},
	}
	if err := metadata.Write(opts.BackupDir, meta); err != nil {
		cleanup()
		return nil, err
	}
	b.printer.Info("backup complete: %s", opts.BackupDir)
	return meta, nil
}

// detectDumpTool probes the pod for a native dump utility. An empty result
// means neither tool exists and the manual path must be used.
func (b *Backuper) detectDumpTool(ctx context.Context, namespace, pod string) string {
	out, _, err := podexec.RunShell(ctx, b.exec, namespace, pod, "",
		"command -v mariadb-dump || command -v mysqldump")
	if err != nil {
		b.logf("dump tool probe failed in %s: %v", pod, err)
		return ""
	}
	tool := strings.TrimSpace(out)
	if tool != "" {
		b.logf("dump tool in %s: %s", pod, tool)
	}
	return tool
}

// nativeDump streams the dump tool's stdout straight into dumpPath. A
// tolerated nonzero exit (Galera lock-table refusals) is downgraded to a
// warning as long as the tool produced output.
func (b *Backuper) nativeDump(ctx context.Context, opts Options, pod, tool string, creds types.Credentials, dumpPath string) error {
	out, err := os.Create(dumpPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dumpPath, err)
	}
	defer out.Close()

	script := fmt.Sprintf("MYSQL_PWD=%s %s -u %s %s",
		shellQuote(creds.Password), tool, shellQuote(creds.Username), shellQuote(creds.Database))

	var stderr bytes.Buffer
	streamErr := b.exec.Stream(ctx, opts.Namespace, pod, "", []string{"sh", "-c", script}, nil, out, &stderr)
	if streamErr == nil {
		return nil
	}

	info, statErr := out.Stat()
	if code, ok := podexec.ExitCode(streamErr); ok && opts.Dump.Tolerated(code) && statErr == nil && info.Size() > 0 {
		b.printer.Warn("%s exited with tolerated code %d: %s", tool, code, strings.TrimSpace(stderr.String()))
		return nil
	}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return fmt.Errorf("dumping database %q: %w (%s)", creds.Database, streamErr, msg)
	}
	return fmt.Errorf("dumping database %q: %w", creds.Database, streamErr)
}

// manualDump reconstructs the schema and data through the SQL client when no
// dump utility exists in the pod. Per table it emits the CREATE TABLE
// statement and one INSERT per row; a table whose statement generation fails
// degrades to a raw tab-separated dump. Returns the method actually used
// ("manual", or "raw" when any table degraded).
func (b *Backuper) manualDump(ctx context.Context, opts Options, pod string, creds types.Credentials, dumpPath string) (string, error) {
	tables, err := b.querySQL(ctx, opts.Namespace, pod, creds, "SHOW TABLES")
	if err != nil {
		return "", fmt.Errorf("listing tables of %q: %w", creds.Database, err)
	}

	out, err := os.Create(dumpPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dumpPath, err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "-- manual dump of database %s\n", creds.Database)

	method := "manual"
	for _, table := range tables {
		if table == "" {
			continue
		}
		if err := b.dumpTable(ctx, opts.Namespace, pod, creds, table, w); err != nil {
			b.printer.Warn("statement generation for table %q failed (%v), writing raw dump", table, err)
			method = "raw"
			if err := b.rawDumpTable(ctx, opts.Namespace, pod, creds, table, w); err != nil {
				return "", fmt.Errorf("raw dump of table %q: %w", table, err)
			}
		}
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("writing dump: %w", err)
	}
	return method, nil
}

// dumpTable writes CREATE TABLE plus one INSERT per row for a single table.
func (b *Backuper) dumpTable(ctx context.Context, namespace, pod string, creds types.Credentials, table string, w io.Writer) error {
	createRows, err := b.querySQL(ctx, namespace, pod, creds,
		fmt.Sprintf("SHOW CREATE TABLE `%s`", table))
	if err != nil {
		return err
	}
	if len(createRows) == 0 {
		return fmt.Errorf("empty SHOW CREATE TABLE result")
	}
	// Batch output is "<table>\t<statement>" with newlines escaped as \n.
	fields := strings.SplitN(createRows[0], "\t", 2)
	if len(fields) != 2 {
		return fmt.Errorf("unexpected SHOW CREATE TABLE output %q", createRows[0])
	}
	stmt := strings.ReplaceAll(fields[1], `\n`, "\n")
	fmt.Fprintf(w, "DROP TABLE IF EXISTS `%s`;\n%s;\n", table, stmt)

	columns, err := b.querySQL(ctx, namespace, pod, creds, fmt.Sprintf(
		"SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE TABLE_SCHEMA='%s' AND TABLE_NAME='%s' ORDER BY ORDINAL_POSITION",
		creds.Database, table))
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("no columns found in information_schema")
	}

	rows, err := b.querySQL(ctx, namespace, pod, creds, fmt.Sprintf("SELECT * FROM `%s`", table))
	if err != nil {
		return err
	}

	columnList := "`" + strings.Join(columns, "`, `") + "`"
	for _, row := range rows {
		values := strings.Split(row, "\t")
		if len(values) != len(columns) {
			return fmt.Errorf("row has %d values for %d columns", len(values), len(columns))
		}
		quoted := make([]string, len(values))
		for i, v := range values {
			quoted[i] = sqlQuote(v)
		}
		fmt.Fprintf(w, "INSERT INTO `%s` (%s) VALUES (%s);\n", table, columnList, strings.Join(quoted, ", "))
	}
	return nil
}

// rawDumpTable writes a table's content as commented tab-separated lines, a
// last resort that at least preserves the data for manual recovery.
func (b *Backuper) rawDumpTable(ctx context.Context, namespace, pod string, creds types.Credentials, table string, w io.Writer) error {
	rows, err := b.querySQL(ctx, namespace, pod, creds, fmt.Sprintf("SELECT * FROM `%s`", table))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "-- raw tab-separated dump of table %s (%d rows)\n", table, len(rows))
	for _, row := range rows {
		fmt.Fprintf(w, "-- %s\n", row)
	}
	return nil
}

// querySQL runs a statement through the pod's mysql client in batch mode
// and returns the output lines.
func (b *Backuper) querySQL(ctx context.Context, namespace, pod string, creds types.Credentials, query string) ([]string, error) {
	script := fmt.Sprintf("MYSQL_PWD=%s mysql -N -B -u %s %s -e %s",
		shellQuote(creds.Password), shellQuote(creds.Username), shellQuote(creds.Database), shellQuote(query))

	out, stderr, err := podexec.RunShell(ctx, b.exec, namespace, pod, "", script)
	if err != nil {
		if msg := strings.TrimSpace(stderr); msg != "" {
			return nil, fmt.Errorf("%w (%s)", err, msg)
		}
		return nil, err
	}

	trimmed := strings.TrimRight(out, "\n")
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// sqlQuote renders a batch-mode output value as a SQL literal. The client
// prints NULL as the bare word NULL.
func sqlQuote(v string) string {
	if v == "NULL" {
		return "NULL"
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// shellQuote wraps s in single quotes for safe interpolation into sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var count int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}
