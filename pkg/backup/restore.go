package backup

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opendatahub-io/rhoai-migration-tools/pkg/discovery"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/metadata"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/podexec"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/types"
)

// Restore resolves the backup's storage format and plays it back into the
// cluster. Metadata values take precedence over rediscovery where present.
func (b *Backuper) Restore(ctx context.Context, opts Options) error {
	format, meta, err := metadata.ResolveFormat(opts.BackupDir, opts.MetadataFile)
	if err != nil {
		return err
	}
	b.printer.Info("backup format: %s", format)

	if meta != nil {
		if opts.ServiceName == "" {
			opts.ServiceName = meta.ServiceName
		}
		if opts.Namespace == "" {
			opts.Namespace = meta.Namespace
		}
	}
	if opts.Namespace == "" || opts.ServiceName == "" {
		return fmt.Errorf("namespace and service name are required (not recorded in backup metadata)")
	}

	switch format {
	case types.StoragePVC:
		return b.restorePVC(ctx, opts, meta)
	case types.StorageDatabase:
		return b.restoreDatabase(ctx, opts, meta)
	default:
		return fmt.Errorf("unsupported storage format %q", format)
	}
}

func (b *Backuper) restorePVC(ctx context.Context, opts Options, meta *types.BackupMetadata) error {
	dataDir := filepath.Join(opts.BackupDir, "data")
	info, err := os.Stat(dataDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("backup %q has no data/ directory", opts.BackupDir)
	}

	count, err := podexec.CountLocalFiles(dataDir)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", dataDir, err)
	}
	if count == 0 {
		b.printer.Warn("backup contains 0 files; restore will be a no-op")
	}

	var metaPod, metaPath string
	if meta != nil && meta.PVC != nil {
		metaPod = meta.PVC.SourcePod
		metaPath = meta.PVC.MountPath
	}

	storage, err := b.disc.ServiceStorage(ctx, opts.Namespace, opts.ServiceName)
	if err != nil {
		return err
	}

	pod, err := b.disc.FindPod(ctx, opts.Namespace, opts.ServiceName, metaPod, opts.phase())
	if err != nil {
		b.diagnose(ctx, opts.Namespace)
		return err
	}
	b.printer.Info("target pod: %s", pod.Name)

	mount, err := b.disc.FindMountPath(pod, opts.ServiceName, metaPath, storage.Folder)
	if err != nil {
		return err
	}
	b.printer.Info("mount path: %s", mount.Path)

	if opts.DryRun {
		b.printer.Info("dry run: would copy %d file(s) from %s into %s:%s", count, dataDir, pod.Name, mount.Path)
		return nil
	}

	b.logf("copying %s -> %s:%s", dataDir, pod.Name, mount.Path)
	if err := podexec.CopyToPod(ctx, b.exec, opts.Namespace, pod.Name, "", dataDir, mount.Path); err != nil {
		return err
	}

	b.printer.Info("restored %d file(s) into %s:%s", count, pod.Name, mount.Path)
	return nil
}

func (b *Backuper) restoreDatabase(ctx context.Context, opts Options, meta *types.BackupMetadata) error {
	dumpPath := opts.BackupDir
	if info, err := os.Stat(dumpPath); err == nil && info.IsDir() {
		dumpPath = filepath.Join(dumpPath, dumpFileName)
	}

	lines, err := countLines(dumpPath)
	if err != nil {
		return fmt.Errorf("reading dump %q: %w", dumpPath, err)
	}
	if lines <= 1 {
		return fmt.Errorf("dump %q has only %d line(s); refusing to restore an empty dump", dumpPath, lines)
	}
	b.printer.Info("dump: %s (%d lines)", dumpPath, lines)

	var metaPod, metaSecret string
	if meta != nil && meta.Database != nil {
		metaPod = meta.Database.Pod
		metaSecret = meta.Database.SecretName
	}

	storage, err := b.disc.ServiceStorage(ctx, opts.Namespace, opts.ServiceName)
	if err != nil {
		return err
	}

	pod, err := b.disc.FindDatabasePod(ctx, opts.Namespace, opts.ServiceName, metaPod, opts.phase())
	if err != nil {
		b.diagnose(ctx, opts.Namespace)
		return err
	}
	b.printer.Info("database pod: %s", pod.Name)

	secret, err := b.disc.FindDBSecret(ctx, opts.Namespace, opts.ServiceName, metaSecret, storage.DBSecret)
	if err != nil {
		b.diagnose(ctx, opts.Namespace)
		return err
	}
	b.printer.Info("credentials secret: %s", secret.Name)

	creds, err := discovery.ExtractCredentials(secret)
	if err != nil {
		return err
	}

	if opts.DryRun {
		b.printer.Info("dry run: would pipe %s into database %q on pod %s", dumpPath, creds.Database, pod.Name)
		return nil
	}

	dump, err := os.Open(dumpPath)
	if err != nil {
		return fmt.Errorf("opening dump: %w", err)
	}
	defer dump.Close()

	script := fmt.Sprintf("MYSQL_PWD=%s mysql -u %s %s",
		shellQuote(creds.Password), shellQuote(creds.Username), shellQuote(creds.Database))

	var stderr bytes.Buffer
	streamErr := b.exec.Stream(ctx, opts.Namespace, pod.Name, "",
		[]string{"sh", "-c", script}, bufio.NewReader(dump), nil, &stderr)

	// The client emits notices and warnings on stderr alongside real
	// failures; only lines starting with ERROR are fatal.
	var fatal []string
	for _, line := range strings.Split(stderr.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "ERROR") {
			fatal = append(fatal, line)
		} else {
			b.printer.Warn("mysql: %s", line)
		}
	}
	if len(fatal) > 0 {
		return fmt.Errorf("restore of database %q failed:\n  %s", creds.Database, strings.Join(fatal, "\n  "))
	}
	if streamErr != nil {
		return fmt.Errorf("restoring database %q: %w", creds.Database, streamErr)
	}

	// Informational only: an empty schema count does not fail the restore.
	tableCount, err := b.tableCount(ctx, opts.Namespace, pod.Name, creds)
	if err != nil {
		b.printer.Warn("could not fetch post-restore table count: %v", err)
	} else if tableCount == 0 {
		b.printer.Warn("database %q reports 0 tables after restore", creds.Database)
	} else {
		b.printer.Info("database %q now has %d table(s)", creds.Database, tableCount)
	}

	b.printer.Info("restore complete")
	return nil
}

func (b *Backuper) tableCount(ctx context.Context, namespace, pod string, creds types.Credentials) (int, error) {
	rows, err := b.querySQL(ctx, namespace, pod, creds, fmt.Sprintf(
		"SELECT COUNT(*) FROM information_schema.TABLES WHERE TABLE_SCHEMA='%s'", creds.Database))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("empty count result")
	}
	return strconv.Atoi(strings.TrimSpace(rows[0]))
}
