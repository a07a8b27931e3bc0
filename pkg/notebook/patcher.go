// Package notebook migrates workbench Notebooks from the OAuth-proxy
// sidecar auth model to kube-rbac-proxy, and keeps their kueue labels in
// shape.
package notebook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/opendatahub-io/rhoai-migration-tools/pkg/types"
	"github.com/opendatahub-io/rhoai-migration-tools/pkg/ui"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// NotebookGVR addresses the Kubeflow Notebook custom resource.
var NotebookGVR = schema.GroupVersionResource{
	Group:    "kubeflow.org",
	Version:  "v1",
	Resource: "notebooks",
}

const (
	annInjectAuth  = "notebooks.opendatahub.io/inject-auth"
	annInjectOAuth = "notebooks.opendatahub.io/inject-oauth"
	annLogoutURL   = "notebooks.opendatahub.io/oauth-logout-url"

	oauthContainerName = "oauth-proxy"
	oauthFinalizer     = "notebooks.opendatahub.io/oauth-cleanup"

	notebookArgsEnv = "NOTEBOOK_ARGS"
)

// oauthVolumeNames are the sidecar volumes removed with the container.
var oauthVolumeNames = map[string]bool{
	"oauth-config":     true,
	"oauth-proxy-tls":  true,
	"tls-certificates": true,
}

// logoutURLFlag matches the CLI flag the sidecar injected into the
// notebook's argument list.
var logoutURLFlag = regexp.MustCompile(`\s*--logout-url=\S+`)

// PatchOp is one RFC 6902 operation.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// Migrator patches Notebooks and handles the surrounding workload
// lifecycle.
type Migrator struct {
	client  kubernetes.Interface
	dyn     dynamic.Interface
	printer *ui.Printer
	tracker *Tracker
	verbose bool
}

func NewMigrator(client kubernetes.Interface, dyn dynamic.Interface, printer *ui.Printer, tracker *Tracker, verbose bool) *Migrator {
	return &Migrator{client: client, dyn: dyn, printer: printer, tracker: tracker, verbose: verbose}
}

// ComputePatch inspects a live Notebook and produces the operations that
// move it to the kube-rbac-proxy model. Every operation is guarded by an
// existence check, so a second run on a migrated Notebook produces an empty
// list. Operations are sorted by path and reversed before application so
// array-index removals do not shift the indices of later removals.
func ComputePatch(nb *unstructured.Unstructured) ([]PatchOp, error) {
	var ops []PatchOp

	annotations := nb.GetAnnotations()
	if annotations == nil {
		ops = append(ops, PatchOp{
			Op:    "add",
			Path:  "/metadata/annotations",
			Value: map[string]string{annInjectAuth: "true"},
		})
	} else if annotations[annInjectAuth] != "true" {
		ops = append(ops, PatchOp{
			Op:    "add",
			Path:  "/metadata/annotations/" + escapePointer(annInjectAuth),
			Value: "true",
		})
	}
	if _, ok := annotations[annInjectOAuth]; ok {
		ops = append(ops, PatchOp{Op: "remove", Path: "/metadata/annotations/" + escapePointer(annInjectOAuth)})
	}
	if _, ok := annotations[annLogoutURL]; ok {
		ops = append(ops, PatchOp{Op: "remove", Path: "/metadata/annotations/" + escapePointer(annLogoutURL)})
	}

	for i, fin := range nb.GetFinalizers() {
		if fin == oauthFinalizer {
			ops = append(ops, PatchOp{Op: "remove", Path: fmt.Sprintf("/metadata/finalizers/%d", i)})
			break
		}
	}

	containers, _, err := unstructured.NestedSlice(nb.Object, "spec", "template", "spec", "containers")
	if err != nil {
		return nil, fmt.Errorf("reading containers: %w", err)
	}
	for i, c := range containers {
		container, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		name, _, _ := unstructured.NestedString(container, "name")
		if name == oauthContainerName {
			ops = append(ops, PatchOp{Op: "remove", Path: fmt.Sprintf("/spec/template/spec/containers/%d", i)})
			continue
		}
		ops = append(ops, stripLogoutFlag(container, i)...)
	}

	volumes, _, err := unstructured.NestedSlice(nb.Object, "spec", "template", "spec", "volumes")
	if err != nil {
		return nil, fmt.Errorf("reading volumes: %w", err)
	}
	for i, v := range volumes {
		volume, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		name, _, _ := unstructured.NestedString(volume, "name")
		if oauthVolumeNames[name] {
			ops = append(ops, PatchOp{Op: "remove", Path: fmt.Sprintf("/spec/template/spec/volumes/%d", i)})
		}
	}

	sort.Slice(ops, func(i, j int) bool { return pointerLess(ops[i].Path, ops[j].Path) })
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	return ops, nil
}

// pointerLess orders JSON pointers segment by segment, comparing array
// indices numerically so /volumes/2 sorts before /volumes/12. A plain string
// sort would remove index 2 ahead of index 12 and shift it.
func pointerLess(a, b string) bool {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")
	for i := 1; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			return ai < bi
		}
		return as[i] < bs[i]
	}
	return len(as) < len(bs)
}

// stripLogoutFlag emits a replace op for a container env var still carrying
// the sidecar's --logout-url flag.
func stripLogoutFlag(container map[string]interface{}, containerIdx int) []PatchOp {
	env, _, _ := unstructured.NestedSlice(container, "env")
	for j, e := range env {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		name, _, _ := unstructured.NestedString(entry, "name")
		if name != notebookArgsEnv {
			continue
		}
		value, _, _ := unstructured.NestedString(entry, "value")
		stripped := logoutURLFlag.ReplaceAllString(value, "")
		if stripped == value {
			continue
		}
		return []PatchOp{{
			Op:    "replace",
			Path:  fmt.Sprintf("/spec/template/spec/containers/%d/env/%d/value", containerIdx, j),
			Value: stripped,
		}}
	}
	return nil
}

// escapePointer escapes a map key for use in a JSON pointer (RFC 6901).
func escapePointer(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

// MigrateOptions configures a migration run.
type MigrateOptions struct {
	DryRun bool
	// SkipStop leaves running notebooks running during the patch.
	SkipStop bool
}

// Migrate converts a single Notebook. Already-migrated Notebooks are
// skipped. After a successful patch the owning StatefulSet is deleted so
// the controller recreates it from the patched template (the webhook does
// not sync the change into the existing one).
func (m *Migrator) Migrate(ctx context.Context, namespace, name string, opts MigrateOptions) error {
	nb, err := m.dyn.Resource(NotebookGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("reading notebook %s/%s: %w", namespace, name, err)
	}

	ops, err := ComputePatch(nb)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		m.printer.Info("notebook %s is already migrated, skipping", name)
		return nil
	}

	if opts.DryRun {
		data, _ := json.MarshalIndent(ops, "", "  ")
		m.printer.Info("dry run: would apply %d patch operation(s) to notebook %s:", len(ops), name)
		m.printer.Plain("%s", data)
		return nil
	}

	wasRunning, err := m.isRunning(ctx, namespace, name)
	if err != nil {
		m.logf("could not determine run state of %s: %v", name, err)
	}
	if wasRunning && !opts.SkipStop {
		m.printer.Info("stopping notebook %s before patching", name)
		if err := m.Stop(ctx, namespace, name); err != nil {
			return err
		}
		defer func() {
			m.printer.Info("restarting notebook %s", name)
			if err := m.Start(ctx, namespace, name); err != nil {
				m.printer.Warn("failed to restart notebook %s: %v", name, err)
			}
		}()
	}

	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encoding patch: %w", err)
	}
	m.logf("patching notebook %s/%s: %s", namespace, name, data)

	_, err = m.dyn.Resource(NotebookGVR).Namespace(namespace).Patch(ctx, name, k8stypes.JSONPatchType, data, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("patching notebook %s/%s: %w", namespace, name, err)
	}
	m.printer.Info("applied %d patch operation(s) to notebook %s", len(ops), name)

	// The notebook webhook does not reconcile auth-model changes into the
	// existing StatefulSet; deleting it forces a clean recreate.
	if err := m.recreateStatefulSet(ctx, namespace, name); err != nil {
		return err
	}
	return nil
}

// MigrateAll converts every Notebook in the namespace, one at a time. A
// failing item is recorded and the loop continues; the caller reports the
// accumulated totals.
func (m *Migrator) MigrateAll(ctx context.Context, namespace string, opts MigrateOptions) (*types.BatchResult, error) {
	list, err := m.dyn.Resource(NotebookGVR).Namespace(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing notebooks in %s: %w", namespace, err)
	}

	result := types.NewBatchResult()
	for i := range list.Items {
		name := list.Items[i].GetName()
		m.printer.Info("migrating notebook %s (%d/%d)", name, i+1, len(list.Items))
		if err := m.Migrate(ctx, namespace, name, opts); err != nil {
			m.printer.Error("notebook %s: %v", name, err)
			result.Fail(name, err)
			continue
		}
		result.Ok(name)
	}
	return result, nil
}

func (m *Migrator) logf(format string, args ...interface{}) {
	if m.verbose {
		log.Printf("[notebook] "+format, args...)
	}
}
