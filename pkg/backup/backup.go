package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/opendatahub-io/rhoai-migration-tools/pkg/discovery"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/metadata"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/podexec"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/types"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/ui"

	corev1 "k8s.io/api/core/v1"
)

// Backuper backs up and restores TrustyAI service data. All cluster reads
// go through the discovery chains; all in-pod work goes through the
// executor.
type Backuper struct {
	disc    *discovery.Discoverer
	exec    podexec.Executor
	printer *ui.Printer
	verbose bool
}

func New(disc *discovery.Discoverer, exec podexec.Executor, printer *ui.Printer, verbose bool) *Backuper {
	return &Backuper{disc: disc, exec: exec, printer: printer, verbose: verbose}
}

// Options configures a single backup or restore run.
type Options struct {
	Namespace   string
	ServiceName string
	// BackupDir is the directory the backup is written to or read from.
	BackupDir string
	// MetadataFile optionally points at a metadata.json outside BackupDir.
	MetadataFile string
	// Phase filters pod discovery; defaults to Running.
	Phase  corev1.PodPhase
	DryRun bool
	Dump   types.DumpOptions
}

func (o *Options) phase() corev1.PodPhase {
	if o.Phase == "" {
		return corev1.PodRunning
	}
	return o.Phase
}

// Backup detects the service's storage format and runs the matching branch.
// On success the backup directory contains metadata.json plus either data/
// (PVC) or dump.sql (DATABASE).
func (b *Backuper) Backup(ctx context.Context, opts Options) (*types.BackupMetadata, error) {
	storage, err := b.disc.ServiceStorage(ctx, opts.Namespace, opts.ServiceName)
	if err != nil {
		return nil, err
	}
	b.printer.Info("storage format: %s", storage.Format)

	switch storage.Format {
	case types.StoragePVC:
		return b.backupPVC(ctx, opts, storage)
	case types.StorageDatabase:
		return b.backupDatabase(ctx, opts, storage)
	default:
		return nil, fmt.Errorf("unsupported storage format %q", storage.Format)
	}
}

func (b *Backuper) backupPVC(ctx context.Context, opts Options, storage discovery.ServiceStorage) (*types.BackupMetadata, error) {
	pod, err := b.disc.FindPod(ctx, opts.Namespace, opts.ServiceName, "", opts.phase())
	if err != nil {
		b.diagnose(ctx, opts.Namespace)
		return nil, err
	}
	b.printer.Info("source pod: %s", pod.Name)

	mount, err := b.disc.FindMountPath(pod, opts.ServiceName, "", storage.Folder)
	if err != nil {
		return nil, err
	}
	b.printer.Info("mount path: %s", mount.Path)

	dataDir := filepath.Join(opts.BackupDir, "data")
	if opts.DryRun {
		b.printer.Info("dry run: would copy %s:%s -> %s", pod.Name, mount.Path, dataDir)
		return nil, nil
	}

	if err := os.MkdirAll(opts.BackupDir, 0755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	b.logf("copying %s:%s -> %s", pod.Name, mount.Path, dataDir)
	count, err := podexec.CopyFromPod(ctx, b.exec, opts.Namespace, pod.Name, "", mount.Path, dataDir)
	if err != nil {
		// Partial PVC copies stay on disk: the copy overwrites rather than
		// truncates, so a re-run resumes where this one stopped.
		return nil, err
	}

	if count == 0 {
		b.printer.Warn("copied 0 files from %s:%s; the volume appears to be empty", pod.Name, mount.Path)
	} else {
		b.printer.Info("copied %d file(s)", count)
	}

	meta := &types.BackupMetadata{
		Timestamp:     time.Now().UTC(),
		Namespace:     opts.Namespace,
		ServiceName:   opts.ServiceName,
		StorageFormat: types.StoragePVC,
		PVC: &types.PVCBackupInfo{
			MountPath: mount.Path,
			PVCName:   mount.PVCName,
			SourcePod: pod.Name,
			FileCount: count,
		},
	}
	if err := metadata.Write(opts.BackupDir, meta); err != nil {
		return nil, err
	}
	b.printer.Info("backup complete: %s", opts.BackupDir)
	return meta, nil
}

// diagnose prints a listing of namespace contents after a discovery
// failure so the operator can see what the chains had to work with.
func (b *Backuper) diagnose(ctx context.Context, namespace string) {
	listing := b.disc.DescribeNamespace(ctx, namespace)
	if listing != "" {
		b.printer.Plain("%s", listing)
	}
}

func (b *Backuper) logf(format string, args ...interface{}) {
	if b.verbose {
		log.Printf("[backup] "+format, args...)
	}
}
