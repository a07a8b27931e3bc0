package notebook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/opendatahub-io/rhoai-migration-tools/pkg/ui"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	appsv1 "k8s.io/api/apps/v1"
)

// oauthNotebook builds a Notebook still carrying the OAuth-proxy sidecar.
func oauthNotebook(name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "kubeflow.org/v1",
		"kind":       "Notebook",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": "ds-project",
			"annotations": map[string]interface{}{
				annInjectOAuth: "true",
				annLogoutURL:   "https://console.example.com/logout",
			},
			"finalizers": []interface{}{oauthFinalizer},
		},
		"spec": map[string]interface{}{
			"template": map[string]interface{}{
				"spec": map[string]interface{}{
					"containers": []interface{}{
						map[string]interface{}{
							"name":  name,
							"image": "workbench:latest",
							"env": []interface{}{
								map[string]interface{}{
									"name":  notebookArgsEnv,
									"value": "--ServerApp.port=8888 --logout-url=https://console.example.com/logout",
								},
							},
						},
						map[string]interface{}{
							"name":  oauthContainerName,
							"image": "oauth-proxy:latest",
						},
					},
					"volumes": []interface{}{
						map[string]interface{}{"name": "workbench-data"},
						map[string]interface{}{"name": "oauth-config"},
						map[string]interface{}{"name": "oauth-proxy-tls"},
						map[string]interface{}{"name": "tls-certificates"},
					},
				},
			},
		},
	}}
}

// applyOps round-trips a computed patch through a real RFC 6902 apply.
func applyOps(t *testing.T, nb *unstructured.Unstructured, ops []PatchOp) *unstructured.Unstructured {
	t.Helper()
	doc, err := json.Marshal(nb.Object)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		t.Fatal(err)
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		t.Fatalf("DecodePatch() error: %v", err)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(patched, &obj); err != nil {
		t.Fatal(err)
	}
	return &unstructured.Unstructured{Object: obj}
}

func TestComputePatch_MigratesOAuthNotebook(t *testing.T) {
	nb := oauthNotebook("my-workbench")
	ops, err := ComputePatch(nb)
	if err != nil {
		t.Fatalf("ComputePatch() error: %v", err)
	}
	if len(ops) == 0 {
		t.Fatal("expected patch operations for an oauth notebook")
	}

	got := applyOps(t, nb, ops)

	annotations := got.GetAnnotations()
	if annotations[annInjectAuth] != "true" {
		t.Errorf("inject-auth = %q, want \"true\"", annotations[annInjectAuth])
	}
	if _, ok := annotations[annInjectOAuth]; ok {
		t.Error("inject-oauth annotation must be removed")
	}
	if _, ok := annotations[annLogoutURL]; ok {
		t.Error("oauth-logout-url annotation must be removed")
	}
	if fins := got.GetFinalizers(); len(fins) != 0 {
		t.Errorf("finalizers = %v, want none", fins)
	}

	containers, _, _ := unstructured.NestedSlice(got.Object, "spec", "template", "spec", "containers")
	if len(containers) != 1 {
		t.Fatalf("containers = %d, want only the workbench container", len(containers))
	}
	name, _, _ := unstructured.NestedString(containers[0].(map[string]interface{}), "name")
	if name != "my-workbench" {
		t.Errorf("surviving container = %q", name)
	}
	env, _, _ := unstructured.NestedSlice(containers[0].(map[string]interface{}), "env")
	args, _, _ := unstructured.NestedString(env[0].(map[string]interface{}), "value")
	if strings.Contains(args, "--logout-url") {
		t.Errorf("NOTEBOOK_ARGS still carries --logout-url: %q", args)
	}
	if !strings.Contains(args, "--ServerApp.port=8888") {
		t.Errorf("NOTEBOOK_ARGS lost unrelated flags: %q", args)
	}

	volumes, _, _ := unstructured.NestedSlice(got.Object, "spec", "template", "spec", "volumes")
	if len(volumes) != 1 {
		t.Fatalf("volumes = %d, want only workbench-data", len(volumes))
	}
	vname, _, _ := unstructured.NestedString(volumes[0].(map[string]interface{}), "name")
	if vname != "workbench-data" {
		t.Errorf("surviving volume = %q", vname)
	}
}

func TestComputePatch_Idempotent(t *testing.T) {
	nb := oauthNotebook("my-workbench")
	ops, err := ComputePatch(nb)
	if err != nil {
		t.Fatal(err)
	}
	migrated := applyOps(t, nb, ops)

	again, err := ComputePatch(migrated)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		raw, _ := json.Marshal(again)
		t.Errorf("second pass produced %d op(s): %s", len(again), raw)
	}
}

func TestComputePatch_NilAnnotations(t *testing.T) {
	nb := oauthNotebook("bare")
	unstructured.RemoveNestedField(nb.Object, "metadata", "annotations")

	ops, err := ComputePatch(nb)
	if err != nil {
		t.Fatal(err)
	}
	got := applyOps(t, nb, ops)
	if got.GetAnnotations()[annInjectAuth] != "true" {
		t.Error("inject-auth not set when annotations map was absent")
	}
}

func TestComputePatch_DoubleDigitVolumeIndices(t *testing.T) {
	// Mixing a single-digit and a double-digit removal index catches a
	// lexicographic sort, which would remove index 1 before index 12 and
	// shift every later element.
	nb := oauthNotebook("my-workbench")
	volumes := []interface{}{
		map[string]interface{}{"name": "workbench-data"},
		map[string]interface{}{"name": "oauth-config"},
		map[string]interface{}{"name": "oauth-proxy-tls"},
	}
	for i := 0; i < 9; i++ {
		volumes = append(volumes, map[string]interface{}{"name": fmt.Sprintf("extra-%d", i)})
	}
	volumes = append(volumes, map[string]interface{}{"name": "tls-certificates"})
	if err := unstructured.SetNestedSlice(nb.Object, volumes, "spec", "template", "spec", "volumes"); err != nil {
		t.Fatal(err)
	}

	ops, err := ComputePatch(nb)
	if err != nil {
		t.Fatal(err)
	}
	got := applyOps(t, nb, ops)

	remaining, _, _ := unstructured.NestedSlice(got.Object, "spec", "template", "spec", "volumes")
	if len(remaining) != 10 {
		t.Fatalf("volumes = %d, want 10 survivors", len(remaining))
	}
	for _, v := range remaining {
		name, _, _ := unstructured.NestedString(v.(map[string]interface{}), "name")
		if oauthVolumeNames[name] {
			t.Errorf("oauth volume %q survived", name)
		}
		if name == "" {
			t.Error("removal shifted indices and dropped the wrong volume")
		}
	}
}

func TestComputePatch_OrdersRemovalsByDescendingPath(t *testing.T) {
	ops, err := ComputePatch(oauthNotebook("my-workbench"))
	if err != nil {
		t.Fatal(err)
	}
	sorted := sort.SliceIsSorted(ops, func(i, j int) bool { return ops[i].Path > ops[j].Path })
	if !sorted {
		raw, _ := json.Marshal(ops)
		t.Errorf("ops not in descending path order: %s", raw)
	}
}

func newMigrator(t *testing.T, kubeObjects []runtime.Object, notebooks ...runtime.Object) (*Migrator, *fake.Clientset, *dynamicfake.FakeDynamicClient) {
	t.Helper()
	client := fake.NewSimpleClientset(kubeObjects...)
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{NotebookGVR: "NotebookList"}, notebooks...)
	m := NewMigrator(client, dyn, ui.NewPlain(io.Discard), nil, false)
	return m, client, dyn
}

func statefulSet(name string) *appsv1.StatefulSet {
	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "ds-project"},
		Spec:       appsv1.StatefulSetSpec{Replicas: ptr.To[int32](1)},
	}
}

func TestMigrate_PatchesAndRecreatesStatefulSet(t *testing.T) {
	m, client, dyn := newMigrator(t,
		[]runtime.Object{statefulSet("my-workbench")},
		oauthNotebook("my-workbench"))

	ctx := context.Background()
	if err := m.Migrate(ctx, "ds-project", "my-workbench", MigrateOptions{}); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	nb, err := dyn.Resource(NotebookGVR).Namespace("ds-project").Get(ctx, "my-workbench", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	annotations := nb.GetAnnotations()
	if annotations[annInjectAuth] != "true" {
		t.Errorf("inject-auth = %q after migrate", annotations[annInjectAuth])
	}
	if _, ok := annotations[annInjectOAuth]; ok {
		t.Error("inject-oauth survived the migrate")
	}

	_, err = client.AppsV1().StatefulSets("ds-project").Get(ctx, "my-workbench", metav1.GetOptions{})
	if !apierrors.IsNotFound(err) {
		t.Errorf("statefulset still present after migrate (err=%v)", err)
	}
}

func TestMigrate_AlreadyMigratedSkips(t *testing.T) {
	nb := oauthNotebook("my-workbench")
	ops, err := ComputePatch(nb)
	if err != nil {
		t.Fatal(err)
	}
	migrated := applyOps(t, nb, ops)

	m, client, _ := newMigrator(t,
		[]runtime.Object{statefulSet("my-workbench")},
		migrated)

	ctx := context.Background()
	if err := m.Migrate(ctx, "ds-project", "my-workbench", MigrateOptions{}); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	// Nothing to change, so the StatefulSet must be left untouched.
	if _, err := client.AppsV1().StatefulSets("ds-project").Get(ctx, "my-workbench", metav1.GetOptions{}); err != nil {
		t.Errorf("statefulset was touched for an already-migrated notebook: %v", err)
	}
}

func TestMigrate_DryRunChangesNothing(t *testing.T) {
	m, client, dyn := newMigrator(t,
		[]runtime.Object{statefulSet("my-workbench")},
		oauthNotebook("my-workbench"))

	ctx := context.Background()
	if err := m.Migrate(ctx, "ds-project", "my-workbench", MigrateOptions{DryRun: true}); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	nb, err := dyn.Resource(NotebookGVR).Namespace("ds-project").Get(ctx, "my-workbench", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := nb.GetAnnotations()[annInjectOAuth]; !ok {
		t.Error("dry run modified the notebook")
	}
	if _, err := client.AppsV1().StatefulSets("ds-project").Get(ctx, "my-workbench", metav1.GetOptions{}); err != nil {
		t.Errorf("dry run touched the statefulset: %v", err)
	}
}

func TestMigrateAll_ContinuesPastFailures(t *testing.T) {
	broken := oauthNotebook("broken")
	// A containers field of the wrong shape makes the patch computation fail.
	unstructured.SetNestedField(broken.Object, "not-a-list", "spec", "template", "spec", "containers")

	m, _, _ := newMigrator(t, nil, oauthNotebook("good"), broken)

	result, err := m.MigrateAll(context.Background(), "ds-project", MigrateOptions{})
	if err != nil {
		t.Fatalf("MigrateAll() error: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != "good" {
		t.Errorf("succeeded = %v, want [good]", result.Succeeded)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("failed = %v, want one entry", result.Failed)
	}
	if _, ok := result.Failed["broken"]; !ok {
		t.Errorf("failed map missing the broken notebook: %v", result.Failed)
	}
	if !result.HasFailures() {
		t.Error("HasFailures() = false")
	}
}

func TestStopAndStart(t *testing.T) {
	tracker, err := NewTracker()
	if err != nil {
		t.Fatal(err)
	}
	defer tracker.Cleanup()

	client := fake.NewSimpleClientset()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{NotebookGVR: "NotebookList"}, oauthNotebook("my-workbench"))
	m := NewMigrator(client, dyn, ui.NewPlain(io.Discard), tracker, false)

	ctx := context.Background()
	if err := m.Stop(ctx, "ds-project", "my-workbench"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	nb, err := dyn.Resource(NotebookGVR).Namespace("ds-project").Get(ctx, "my-workbench", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if nb.GetAnnotations()[stopAnnotation] == "" {
		t.Error("stop annotation not set")
	}
	entries, err := tracker.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != "ds-project/my-workbench" {
		t.Errorf("tracker entries = %v", entries)
	}

	if err := m.Start(ctx, "ds-project", "my-workbench"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	nb, err = dyn.Resource(NotebookGVR).Namespace("ds-project").Get(ctx, "my-workbench", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := nb.GetAnnotations()[stopAnnotation]; ok {
		t.Error("stop annotation not cleared")
	}
	entries, err = tracker.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("tracker entries after restart = %v", entries)
	}
}

func labeledNotebook(name, queue string) *unstructured.Unstructured {
	nb := oauthNotebook(name)
	if queue != "" {
		nb.SetLabels(map[string]string{queueNameLabel: queue})
	}
	return nb
}

func TestCheckQueueLabels(t *testing.T) {
	m, _, _ := newMigrator(t, nil,
		labeledNotebook("queued", "default-queue"),
		labeledNotebook("unqueued", ""))

	missing, err := m.CheckQueueLabels(context.Background(), "ds-project")
	if err != nil {
		t.Fatalf("CheckQueueLabels() error: %v", err)
	}
	if len(missing) != 1 || missing[0] != "unqueued" {
		t.Errorf("missing = %v, want [unqueued]", missing)
	}
}

func TestFixQueueLabels(t *testing.T) {
	m, _, dyn := newMigrator(t, nil,
		labeledNotebook("queued", "default-queue"),
		labeledNotebook("unqueued", ""))

	ctx := context.Background()
	result, err := m.FixQueueLabels(ctx, "ds-project", "default-queue", false)
	if err != nil {
		t.Fatalf("FixQueueLabels() error: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != "unqueued" {
		t.Errorf("succeeded = %v, want [unqueued]", result.Succeeded)
	}

	nb, err := dyn.Resource(NotebookGVR).Namespace("ds-project").Get(ctx, "unqueued", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if nb.GetLabels()[queueNameLabel] != "default-queue" {
		t.Errorf("queue label = %q", nb.GetLabels()[queueNameLabel])
	}
}

func TestFixQueueLabels_DryRun(t *testing.T) {
	m, _, dyn := newMigrator(t, nil, labeledNotebook("unqueued", ""))

	ctx := context.Background()
	result, err := m.FixQueueLabels(ctx, "ds-project", "default-queue", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Succeeded) != 1 {
		t.Errorf("succeeded = %v", result.Succeeded)
	}

	nb, err := dyn.Resource(NotebookGVR).Namespace("ds-project").Get(ctx, "unqueued", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if nb.GetLabels()[queueNameLabel] != "" {
		t.Error("dry run labeled the notebook")
	}
}

func TestTrackerRoundTrip(t *testing.T) {
	tracker, err := NewTracker()
	if err != nil {
		t.Fatal(err)
	}
	defer tracker.Cleanup()

	if err := tracker.Add("ns1", "a"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Add("ns2", "b"); err != nil {
		t.Fatal(err)
	}
	entries, err := tracker.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0] != "ns1/a" || entries[1] != "ns2/b" {
		t.Errorf("entries = %v", entries)
	}

	if err := tracker.Remove("ns1", "a"); err != nil {
		t.Fatal(err)
	}
	entries, err = tracker.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != "ns2/b" {
		t.Errorf("entries after remove = %v", entries)
	}
}
