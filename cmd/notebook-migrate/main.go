package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opendatahub-io/rhoai-migration-tools/pkg/notebook"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/types"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/ui"

	flag "github.com/spf13/pflag"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

func main() {
	var (
		name       string
		namespace  string
		all        bool
		yes        bool
		dryRun     bool
		skipStop   bool
		check      bool
		fix        bool
		queueName  string
		verbose    bool
		kubeconfig string
	)

	flag.StringVar(&name, "name", "", "Notebook to migrate")
	flag.StringVarP(&namespace, "namespace", "n", "", "Namespace of the notebook(s) (required)")
	flag.BoolVar(&all, "all", false, "Migrate every notebook in the namespace")
	flag.BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	flag.BoolVarP(&dryRun, "dry-run", "d", false, "Print the computed patch without applying it")
	flag.BoolVar(&skipStop, "skip-stop", false, "Patch running notebooks without stopping them first")
	flag.BoolVar(&check, "check", false, "Report notebooks missing the kueue queue-name label")
	flag.BoolVar(&fix, "fix", false, "Add the kueue queue-name label where it is missing")
	flag.StringVar(&queueName, "queue-name", "default", "Queue name used by --fix")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster or ~/.kube/config)")
	flag.Parse()

	printer := ui.New(os.Stdout)

	if namespace == "" {
		fmt.Fprintln(os.Stderr, "Error: --namespace is required")
		flag.Usage()
		os.Exit(1)
	}
	if !check && !fix && !all && name == "" {
		fmt.Fprintln(os.Stderr, "Error: either --name or --all is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, dyn, err := buildClients(kubeconfig)
	if err != nil {
		printer.Error("creating Kubernetes client: %v", err)
		os.Exit(1)
	}

	tracker, err := notebook.NewTracker()
	if err != nil {
		printer.Error("%v", err)
		os.Exit(1)
	}

	m := notebook.NewMigrator(client, dyn, printer, tracker, verbose)

	err = run(ctx, m, printer, runOptions{
		name:      name,
		namespace: namespace,
		all:       all,
		yes:       yes,
		dryRun:    dryRun,
		skipStop:  skipStop,
		check:     check,
		fix:       fix,
		queueName: queueName,
	})

	if err != nil {
		printer.Error("%v", err)
		warnStopped(printer, tracker)
		os.Exit(1)
	}

	warnStopped(printer, tracker)
	if stopped, err := tracker.List(); err == nil && len(stopped) == 0 {
		tracker.Cleanup()
	}
}

type runOptions struct {
	name, namespace      string
	all, yes, dryRun     bool
	skipStop, check, fix bool
	queueName            string
}

func run(ctx context.Context, m *notebook.Migrator, printer *ui.Printer, opts runOptions) error {
	if opts.check {
		missing, err := m.CheckQueueLabels(ctx, opts.namespace)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			printer.Info("all notebooks in %q carry a queue-name label", opts.namespace)
			return nil
		}
		printer.Warn("%d notebook(s) missing the queue-name label:", len(missing))
		for _, n := range missing {
			printer.Plain("  - %s", n)
		}
		return nil
	}

	if opts.fix {
		result, err := m.FixQueueLabels(ctx, opts.namespace, opts.queueName, opts.dryRun)
		if err != nil {
			return err
		}
		printSummary(printer, "Queue label fix", result)
		if result.HasFailures() {
			return fmt.Errorf("some notebooks could not be labeled (see above)")
		}
		return nil
	}

	migrate := notebook.MigrateOptions{DryRun: opts.dryRun, SkipStop: opts.skipStop}

	if !opts.yes && !opts.dryRun {
		target := opts.name
		if opts.all {
			target = "ALL notebooks"
		}
		if !confirm(fmt.Sprintf(
			"This will patch %s in namespace %q to the kube-rbac-proxy auth model and recreate the workload. Continue?",
			target, opts.namespace)) {
			printer.Info("aborted")
			return nil
		}
	}

	if opts.all {
		result, err := m.MigrateAll(ctx, opts.namespace, migrate)
		if err != nil {
			return err
		}
		printSummary(printer, "Migration", result)
		if result.HasFailures() {
			return fmt.Errorf("some notebooks failed to migrate (see above)")
		}
		return nil
	}

	return m.Migrate(ctx, opts.namespace, opts.name, migrate)
}

func printSummary(printer *ui.Printer, title string, result *types.BatchResult) {
	printer.Plain("")
	printer.Plain("=== %s Summary ===", title)
	printer.Plain("  succeeded: %d", len(result.Succeeded))
	printer.Plain("  failed:    %d", len(result.Failed))
	for name, err := range result.Failed {
		printer.Plain("    FAIL %s: %v", name, err)
	}
}

// warnStopped tells the operator about notebooks this process stopped but
// never restarted.
func warnStopped(printer *ui.Printer, tracker *notebook.Tracker) {
	stopped, err := tracker.List()
	if err != nil || len(stopped) == 0 {
		return
	}
	printer.Warn("the following notebooks were stopped by this run and are still stopped:")
	for _, n := range stopped {
		printer.Plain("  - %s", n)
	}
	printer.Warn("restart them by removing the kubeflow-resource-stopped annotation (tracked in %s)", tracker.Path())
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func buildClients(kubeconfig string) (kubernetes.Interface, dynamic.Interface, error) {
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
		return nil, nil, err
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, nil, err
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, nil, err
	}
	return client, dyn, nil
}
