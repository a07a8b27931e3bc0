package notebook

import (
	"context"
	"fmt"

	"github.com/opendatahub-io/rhoai-migration-tools/pkg/types"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
)

// queueNameLabel is required on workbenches once kueue manages them.
const queueNameLabel = "kueue.x-k8s.io/queue-name"

// CheckQueueLabels returns the notebooks in the namespace that are missing
// the kueue queue-name label.
func (m *Migrator) CheckQueueLabels(ctx context.Context, namespace string) ([]string, error) {
	list, err := m.dyn.Resource(NotebookGVR).Namespace(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing notebooks in %s: %w", namespace, err)
	}

	var missing []string
	for i := range list.Items {
		labels := list.Items[i].GetLabels()
		if labels[queueNameLabel] == "" {
			missing = append(missing, list.Items[i].GetName())
		}
	}
	return missing, nil
}

// FixQueueLabels adds the queue-name label to every notebook missing it.
// Per-item failures are accumulated, not fatal.
func (m *Migrator) FixQueueLabels(ctx context.Context, namespace, queueName string, dryRun bool) (*types.BatchResult, error) {
	missing, err := m.CheckQueueLabels(ctx, namespace)
	if err != nil {
		return nil, err
	}

	result := types.NewBatchResult()
	patch := fmt.Sprintf(`{"metadata":{"labels":{%q:%q}}}`, queueNameLabel, queueName)

	for _, name := range missing {
		if dryRun {
			m.printer.Info("dry run: would label notebook %s with %s=%s", name, queueNameLabel, queueName)
			result.Ok(name)
			continue
		}
		_, err := m.dyn.Resource(NotebookGVR).Namespace(namespace).Patch(ctx, name,
			k8stypes.MergePatchType, []byte(patch), metav1.PatchOptions{})
		if err != nil {
			m.printer.Error("labeling notebook %s: %v", name, err)
			result.Fail(name, err)
			continue
		}
		m.printer.Info("labeled notebook %s with queue %q", name, queueName)
		result.Ok(name)
	}
	return result, nil
}
