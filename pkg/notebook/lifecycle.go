package notebook

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
)

const (
	// stopAnnotation is honored by the notebook controller: its presence
	// scales the workbench down, removing it starts the workbench again.
	stopAnnotation = "kubeflow-resource-stopped"

	// notebookNameLabel is stamped on workbench pods by the controller.
	notebookNameLabel = "notebook-name"

	pollInterval = 2 * time.Second
	// deleteTimeout bounds the best-effort waits for pod teardown.
	deleteTimeout = 120 * time.Second
)

// Stop annotates the Notebook so the controller scales it down, and records
// it in the tracker so an abnormal exit can tell the operator which
// workbenches were left stopped.
func (m *Migrator) Stop(ctx context.Context, namespace, name string) error {
	patch := fmt.Sprintf(`{"metadata":{"annotations":{%q:%q}}}`,
		stopAnnotation, time.Now().UTC().Format(time.RFC3339))

	_, err := m.dyn.Resource(NotebookGVR).Namespace(namespace).Patch(ctx, name,
		k8stypes.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("stopping notebook %s/%s: %w", namespace, name, err)
	}

	if m.tracker != nil {
		if err := m.tracker.Add(namespace, name); err != nil {
			m.printer.Warn("could not record stopped notebook %s: %v", name, err)
		}
	}

	m.waitForPodsGone(ctx, namespace, name)
	return nil
}

// Start removes the stop annotation so the controller brings the workbench
// back up.
func (m *Migrator) Start(ctx context.Context, namespace, name string) error {
	patch := fmt.Sprintf(`{"metadata":{"annotations":{%q:null}}}`, stopAnnotation)

	_, err := m.dyn.Resource(NotebookGVR).Namespace(namespace).Patch(ctx, name,
		k8stypes.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("starting notebook %s/%s: %w", namespace, name, err)
	}

	if m.tracker != nil {
		if err := m.tracker.Remove(namespace, name); err != nil {
			m.logf("tracker remove %s/%s: %v", namespace, name, err)
		}
	}
	return nil
}

// isRunning reports whether the workbench currently has pods.
func (m *Migrator) isRunning(ctx context.Context, namespace, name string) (bool, error) {
	pods, err := m.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", notebookNameLabel, name),
	})
	if err != nil {
		return false, err
	}
	return len(pods.Items) > 0, nil
}

// recreateStatefulSet deletes the Notebook's StatefulSet so the controller
// rebuilds it from the patched template, then waits (best-effort) for the
// old pods to disappear. A StatefulSet that is already gone is fine.
func (m *Migrator) recreateStatefulSet(ctx context.Context, namespace, name string) error {
	err := m.client.AppsV1().StatefulSets(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			m.logf("statefulset %s/%s already gone", namespace, name)
			return nil
		}
		return fmt.Errorf("deleting statefulset %s/%s: %w", namespace, name, err)
	}
	m.printer.Info("deleted statefulset %s; the notebook controller will recreate it", name)

	m.waitForPodsGone(ctx, namespace, name)
	return nil
}

// waitForPodsGone polls until the workbench pods are deleted or the timeout
// elapses. Timeouts are reported but never fail the operation.
func (m *Migrator) waitForPodsGone(ctx context.Context, namespace, name string) {
	deadline := time.After(deleteTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			m.printer.Warn("pods of notebook %s still present after %s; continuing", name, deleteTimeout)
			return
		case <-ticker.C:
			running, err := m.isRunning(ctx, namespace, name)
			if err != nil {
				m.logf("polling pods of %s: %v", name, err)
				continue
			}
			if !running {
				return
			}
		}
	}
}
