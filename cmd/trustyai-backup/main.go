package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/opendatahub-io/rhoai-migration-tools/pkg/backup"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/discovery"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/metadata"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/podexec"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/remote"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/types"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/ui"

	flag "github.com/spf13/pflag"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	namespaceEnv = "TRUSTYAI_NAMESPACE"
	backupDirEnv = "BACKUP_DIR"
)

func main() {
	var (
		namespace     string
		serviceName   string
		file          string
		metadataFile  string
		dryRun        bool
		phase         string
		verbose       bool
		kubeconfig    string
		credsFile     string
		keepLast      int
		tolerateCodes []int
	)

	flag.StringVarP(&namespace, "namespace", "n", os.Getenv(namespaceEnv), "Namespace of the TrustyAI service (or "+namespaceEnv+")")
	flag.StringVarP(&serviceName, "service-name", "s", "trustyai-service", "Logical service name")
	flag.StringVarP(&file, "file", "f", "", "Backup directory (default: "+backupDirEnv+" or a timestamped directory)")
	flag.StringVarP(&metadataFile, "metadata", "m", "", "Explicit metadata.json path")
	flag.BoolVarP(&dryRun, "dry-run", "d", false, "Discover and validate without copying anything")
	flag.StringVar(&phase, "phase", string(corev1.PodRunning), "Pod phase to target during discovery")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster or ~/.kube/config)")
	flag.StringVar(&credsFile, "credentials", "", "Bucket credentials JSON for upload/download")
	flag.IntVar(&keepLast, "keep-last", 0, "After upload, keep only this many newest bundles (0 = keep all)")
	flag.IntSliceVar(&tolerateCodes, "tolerate-exit-codes", []int{2}, "Dump-tool exit codes tolerated when output was produced")
	flag.Parse()

	printer := ui.New(os.Stdout)

	args := flag.Args()
	subcommand := "backup"
	if len(args) > 0 {
		subcommand = args[0]
		args = args[1:]
	}

	if subcommand == "backup" && namespace == "" {
		fmt.Fprintln(os.Stderr, "Error: --namespace (or "+namespaceEnv+") is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch subcommand {
	case "backup", "restore":
		var client kubernetes.Interface
		var dyn dynamic.Interface
		var config *rest.Config
		client, dyn, config, err = buildClients(kubeconfig)
		if err != nil {
			printer.Error("creating Kubernetes client: %v", err)
			os.Exit(1)
		}

		disc := discovery.New(client, dyn, verbose)
		exec := podexec.NewSPDYExecutor(client, config, verbose)
		bk := backup.New(disc, exec, printer, verbose)

		opts := backup.Options{
			Namespace:    namespace,
			ServiceName:  serviceName,
			MetadataFile: metadataFile,
			Phase:        corev1.PodPhase(phase),
			DryRun:       dryRun,
			Dump:         types.DumpOptions{ToleratedExitCodes: tolerateCodes},
		}

		if subcommand == "backup" {
			opts.BackupDir = defaultBackupDir(file, namespace)
			printer.Info("backing up service %q in namespace %q -> %s", serviceName, namespace, opts.BackupDir)
			_, err = bk.Backup(ctx, opts)
		} else {
			opts.BackupDir = file
			if opts.BackupDir == "" {
				opts.BackupDir = os.Getenv(backupDirEnv)
			}
			if opts.BackupDir == "" {
				fmt.Fprintln(os.Stderr, "Error: restore requires --file (or "+backupDirEnv+")")
				flag.Usage()
				os.Exit(1)
			}
			printer.Info("restoring %s into namespace %q", opts.BackupDir, namespace)
			err = bk.Restore(ctx, opts)
		}

	case "upload":
		err = runUpload(ctx, printer, credsFile, file, namespace, serviceName, keepLast, verbose)

	case "download":
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Error: download requires a bundle key argument")
			flag.Usage()
			os.Exit(1)
		}
		err = runDownload(ctx, printer, credsFile, args[0], file, verbose)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown subcommand %q (expected backup, restore, upload or download)\n", subcommand)
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		printer.Error("%v", err)
		os.Exit(1)
	}
}

// defaultBackupDir picks the backup target: the explicit flag, then a
// timestamped directory under BACKUP_DIR, then one under the current
// directory.
func defaultBackupDir(file, namespace string) string {
	if file != "" {
		return file
	}
	base := os.Getenv(backupDirEnv)
	if base == "" {
		base = "."
	}
	name := fmt.Sprintf("trustyai-data-%s-%s", namespace, time.Now().Format("20060102-150405"))
	return filepath.Join(base, name)
}

func runUpload(ctx context.Context, printer *ui.Printer, credsFile, backupDir, namespace, serviceName string, keepLast int, verbose bool) error {
	if credsFile == "" {
		return fmt.Errorf("upload requires --credentials")
	}
	if backupDir == "" {
		return fmt.Errorf("upload requires --file pointing at a backup directory")
	}

	// Prefer identities recorded at backup time over the flags.
	if meta, err := metadata.Load(filepath.Join(backupDir, metadata.FileName)); err == nil {
		namespace = meta.Namespace
		serviceName = meta.ServiceName
	}

	creds, err := remote.LoadCredentials(credsFile)
	if err != nil {
		return err
	}
	store, err := remote.New(creds, verbose)
	if err != nil {
		return err
	}

	key := remote.BundleKey(namespace, serviceName, filepath.Base(filepath.Clean(backupDir)))
	if err := store.Upload(ctx, backupDir, key); err != nil {
		return err
	}
	printer.Info("uploaded %s -> %s", backupDir, key)

	if keepLast > 0 {
		deleted, err := store.Rotate(ctx, filepath.Dir(key)+"/", keepLast)
		if err != nil {
			return err
		}
		for _, k := range deleted {
			printer.Info("rotated out old bundle %s", k)
		}
	}
	return nil
}

// defaultDownloadDir derives a local directory name from a bundle key. Keys
// without the bundle suffix are used as-is.
func defaultDownloadDir(key string) string {
	return strings.TrimSuffix(filepath.Base(key), ".tar.gz")
}

func runDownload(ctx context.Context, printer *ui.Printer, credsFile, key, destDir string, verbose bool) error {
	if credsFile == "" {
		return fmt.Errorf("download requires --credentials")
	}
	if destDir == "" {
		destDir = defaultDownloadDir(key)
	}

	creds, err := remote.LoadCredentials(credsFile)
	if err != nil {
		return err
	}
	store, err := remote.New(creds, verbose)
	if err != nil {
		return err
	}

	if err := store.Download(ctx, key, destDir); err != nil {
		return err
	}
	printer.Info("downloaded %s -> %s", key, destDir)
	return nil
}

func buildClients(kubeconfig string) (kubernetes.Interface, dynamic.Interface, *rest.Config, error) {
	var config *rest.Config
	var err error

	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		config, err = rest.InClusterConfig()
		if err != nil {
			loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
			configOverrides := &clientcmd.ConfigOverrides{}
			config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides).ClientConfig()
		}
	}
	if err != nil {
		return nil, nil, nil, err
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, nil, nil, err
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, nil, nil, err
	}
	return client, dyn, config, nil
}
