package discovery

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/opendatahub-io/rhoai-migration-tools/pkg/types"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// TrustyAIServiceGVR addresses the TrustyAIService custom resource.
var TrustyAIServiceGVR = schema.GroupVersionResource{
	Group:    "trustyai.opendatahub.io",
	Version:  "v1alpha1",
	Resource: "trustyaiservices",
}

// Discoverer resolves pods, mount paths, database secrets and credentials
// for a TrustyAI service by walking ordered fallback chains. Each probe is
// read-only; the first non-empty result of a chain wins.
type Discoverer struct {
	client  kubernetes.Interface
	dyn     dynamic.Interface
	verbose bool
}

func New(client kubernetes.Interface, dyn dynamic.Interface, verbose bool) *Discoverer {
	return &Discoverer{client: client, dyn: dyn, verbose: verbose}
}

// ServiceStorage describes the storage stanza of a TrustyAIService CR.
type ServiceStorage struct {
	Found    bool
	Format   types.StorageFormat
	Folder   string
	DBSecret string
}

// ServiceStorage reads the service CR's spec.storage section. A missing CR
// or an unset format field resolves to PVC, mirroring the operator default.
func (d *Discoverer) ServiceStorage(ctx context.Context, namespace, name string) (ServiceStorage, error) {
	result := ServiceStorage{Format: types.StoragePVC}

	cr, err := d.dyn.Resource(TrustyAIServiceGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			d.logf("no TrustyAIService %s/%s, assuming PVC storage", namespace, name)
			return result, nil
		}
		return result, fmt.Errorf("reading TrustyAIService %s/%s: %w", namespace, name, err)
	}

	result.Found = true
	if format, ok, _ := unstructured.NestedString(cr.Object, "spec", "storage", "format"); ok && format != "" {
		result.Format = types.StorageFormat(format)
	}
	result.Folder, _, _ = unstructured.NestedString(cr.Object, "spec", "storage", "folder")
	result.DBSecret, _, _ = unstructured.NestedString(cr.Object, "spec", "storage", "databaseConfigurations")

	d.logf("TrustyAIService %s/%s: format=%s folder=%q dbSecret=%q",
		namespace, name, result.Format, result.Folder, result.DBSecret)
	return result, nil
}

// FindPod locates the service pod in the given phase (normally Running).
// Strategies, in priority order: the metadata-recorded pod (if it still
// exists in the requested phase), the app=<name> label, the
// app.kubernetes.io/name=<name> label, the app.kubernetes.io/part-of=trustyai
// label, then a substring match of <name> against pod names. The first pod
// of the first strategy that matches wins; no ranking among multiple hits.
func (d *Discoverer) FindPod(ctx context.Context, namespace, name, metadataPod string, phase corev1.PodPhase) (*corev1.Pod, error) {
	var tried []string

	if metadataPod != "" {
		tried = append(tried, fmt.Sprintf("metadata pod %q", metadataPod))
		pod, err := d.client.CoreV1().Pods(namespace).Get(ctx, metadataPod, metav1.GetOptions{})
		if err == nil && pod.Status.Phase == phase {
			d.logf("pod %s taken from metadata", pod.Name)
			return pod, nil
		}
		if err != nil && !apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("reading pod %q: %w", metadataPod, err)
		}
		d.logf("metadata pod %q unavailable, trying next strategy", metadataPod)
	}

	selectors := []string{
		fmt.Sprintf("app=%s", name),
		fmt.Sprintf("app.kubernetes.io/name=%s", name),
		"app.kubernetes.io/part-of=trustyai",
	}

	for _, sel := range selectors {
		tried = append(tried, fmt.Sprintf("label selector %q", sel))
		pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: sel})
		if err != nil {
			return nil, fmt.Errorf("listing pods with selector %q: %w", sel, err)
		}
		for i := range pods.Items {
			if pods.Items[i].Status.Phase == phase {
				d.logf("pod %s matched selector %q", pods.Items[i].Name, sel)
				return &pods.Items[i], nil
			}
		}
	}

	tried = append(tried, fmt.Sprintf("name substring %q", name))
	pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}
	for i := range pods.Items {
		if pods.Items[i].Status.Phase == phase && strings.Contains(pods.Items[i].Name, name) {
			d.logf("pod %s matched name substring %q", pods.Items[i].Name, name)
			return &pods.Items[i], nil
		}
	}

	return nil, fmt.Errorf("no %s pod found for service %q in namespace %q (tried: %s)",
		phase, name, namespace, strings.Join(tried, ", "))
}

// FindDatabasePod locates the MariaDB pod backing a DATABASE-format
// service. Strategies, in priority order: the metadata-recorded pod (if it
// still exists in the requested phase), the app=mariadb and
// app.kubernetes.io/name=mariadb labels, a "mariadb" name substring, and a
// "<service>-db" name substring.
func (d *Discoverer) FindDatabasePod(ctx context.Context, namespace, serviceName, metadataPod string, phase corev1.PodPhase) (*corev1.Pod, error) {
	var tried []string

	if metadataPod != "" {
		tried = append(tried, fmt.Sprintf("metadata pod %q", metadataPod))
		pod, err := d.client.CoreV1().Pods(namespace).Get(ctx, metadataPod, metav1.GetOptions{})
		if err == nil && pod.Status.Phase == phase {
			d.logf("database pod %s taken from metadata", pod.Name)
			return pod, nil
		}
		if err != nil && !apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("reading pod %q: %w", metadataPod, err)
		}
		d.logf("metadata pod %q unavailable, trying next strategy", metadataPod)
	}

	for _, sel := range []string{"app=mariadb", "app.kubernetes.io/name=mariadb"} {
		tried = append(tried, fmt.Sprintf("label selector %q", sel))
		pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: sel})
		if err != nil {
			return nil, fmt.Errorf("listing pods with selector %q: %w", sel, err)
		}
		for i := range pods.Items {
			if pods.Items[i].Status.Phase == phase {
				d.logf("database pod %s matched selector %q", pods.Items[i].Name, sel)
				return &pods.Items[i], nil
			}
		}
	}

	pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}
	for _, substr := range []string{"mariadb", serviceName + "-db"} {
		tried = append(tried, fmt.Sprintf("name substring %q", substr))
		for i := range pods.Items {
			if pods.Items[i].Status.Phase == phase && strings.Contains(pods.Items[i].Name, substr) {
				d.logf("database pod %s matched name substring %q", pods.Items[i].Name, substr)
				return &pods.Items[i], nil
			}
		}
	}

	return nil, fmt.Errorf("no %s database pod found for service %q in namespace %q (tried: %s)",
		phase, serviceName, namespace, strings.Join(tried, ", "))
}

// MountPath is a resolved data mount inside a pod.
type MountPath struct {
	Path    string
	PVCName string
}

// FindMountPath resolves where the service's data lives inside the pod.
// Strategies, in priority order: the metadata-recorded path, the operator's
// conventional volume named "volume", any PVC-backed volume whose claim name
// contains the service name, and finally the CR's declared storage folder.
func (d *Discoverer) FindMountPath(pod *corev1.Pod, serviceName, metadataPath, crFolder string) (MountPath, error) {
	if metadataPath != "" {
		d.logf("mount path %q taken from metadata", metadataPath)
		return MountPath{Path: metadataPath}, nil
	}

	// Operator convention: the data volume is literally named "volume".
	if mp, ok := mountForVolume(pod, "volume"); ok {
		d.logf("mount path %q via conventional volume name", mp.Path)
		return mp, nil
	}

	lower := strings.ToLower(serviceName)
	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim == nil {
			continue
		}
		if !strings.Contains(strings.ToLower(vol.PersistentVolumeClaim.ClaimName), lower) {
			continue
		}
		if mp, ok := mountForVolume(pod, vol.Name); ok {
			mp.PVCName = vol.PersistentVolumeClaim.ClaimName
			d.logf("mount path %q via PVC claim %s", mp.Path, mp.PVCName)
			return mp, nil
		}
	}

	if crFolder != "" {
		d.logf("mount path %q taken from CR storage folder", crFolder)
		return MountPath{Path: crFolder}, nil
	}

	return MountPath{}, fmt.Errorf(
		"no mount path found in pod %q (tried: metadata field, volume named \"volume\", PVC claim containing %q, CR storage folder)",
		pod.Name, serviceName)
}

// mountForVolume finds the container mount path of the named pod volume and
// reports the claim name when the volume is PVC-backed.
func mountForVolume(pod *corev1.Pod, volumeName string) (MountPath, bool) {
	var claim string
	found := false
	for _, vol := range pod.Spec.Volumes {
		if vol.Name == volumeName {
			found = true
			if vol.PersistentVolumeClaim != nil {
				claim = vol.PersistentVolumeClaim.ClaimName
			}
			break
		}
	}
	if !found {
		return MountPath{}, false
	}

	for _, c := range pod.Spec.Containers {
		for _, m := range c.VolumeMounts {
			if m.Name == volumeName {
				return MountPath{Path: m.MountPath, PVCName: claim}, true
			}
		}
	}
	return MountPath{}, false
}

// FindDBSecret locates the database credentials Secret. Strategies, in
// priority order: the metadata-recorded name (if the secret still exists),
// the CR-declared secret, the conventional <name>-db-credentials, any
// secret whose name contains "db-credentials", any whose name contains
// "mariadb".
func (d *Discoverer) FindDBSecret(ctx context.Context, namespace, serviceName, metadataName, crSecret string) (*corev1.Secret, error) {
	var tried []string

	byName := func(name, how string) (*corev1.Secret, error) {
		if name == "" {
			return nil, nil
		}
		tried = append(tried, how)
		sec, err := d.client.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				d.logf("secret %q (%s) not found, trying next strategy", name, how)
				return nil, nil
			}
			return nil, fmt.Errorf("reading secret %q: %w", name, err)
		}
		d.logf("secret %q found via %s", name, how)
		return sec, nil
	}

	if sec, err := byName(metadataName, fmt.Sprintf("metadata secret %q", metadataName)); sec != nil || err != nil {
		return sec, err
	}
	if sec, err := byName(crSecret, fmt.Sprintf("CR-declared secret %q", crSecret)); sec != nil || err != nil {
		return sec, err
	}
	conventional := serviceName + "-db-credentials"
	if sec, err := byName(conventional, fmt.Sprintf("conventional name %q", conventional)); sec != nil || err != nil {
		return sec, err
	}

	secrets, err := d.client.CoreV1().Secrets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	for _, substr := range []string{"db-credentials", "mariadb"} {
		tried = append(tried, fmt.Sprintf("name substring %q", substr))
		for i := range secrets.Items {
			if strings.Contains(secrets.Items[i].Name, substr) {
				d.logf("secret %q found via substring %q", secrets.Items[i].Name, substr)
				return &secrets.Items[i], nil
			}
		}
	}

	return nil, fmt.Errorf("no database credentials secret found for service %q in namespace %q (tried: %s)",
		serviceName, namespace, strings.Join(tried, ", "))
}

// Credential key aliases, in priority order. Operator-documented keys come
// first, then MariaDB/MySQL convention keys.
var (
	usernameKeys = []string{"databaseUsername", "MARIADB_USER", "MYSQL_USER", "username", "user"}
	passwordKeys = []string{"databasePassword", "MARIADB_PASSWORD", "MYSQL_PASSWORD", "password"}
	databaseKeys = []string{"databaseName", "MARIADB_DATABASE", "MYSQL_DATABASE", "database"}
)

// ExtractCredentials pulls the username/password/database triple out of a
// credentials secret, trying each key alias in order. Secret data arrives
// base64-decoded from the API, so values only need a non-empty check.
func ExtractCredentials(secret *corev1.Secret) (types.Credentials, error) {
	creds := types.Credentials{
		Username: firstSecretKey(secret, usernameKeys),
		Password: firstSecretKey(secret, passwordKeys),
		Database: firstSecretKey(secret, databaseKeys),
	}

	if !creds.Complete() {
		var missing []string
		if creds.Username == "" {
			missing = append(missing, fmt.Sprintf("username (tried keys %v)", usernameKeys))
		}
		if creds.Password == "" {
			missing = append(missing, fmt.Sprintf("password (tried keys %v)", passwordKeys))
		}
		if creds.Database == "" {
			missing = append(missing, fmt.Sprintf("database name (tried keys %v)", databaseKeys))
		}
		return creds, fmt.Errorf("secret %q is missing %s", secret.Name, strings.Join(missing, "; "))
	}
	return creds, nil
}

func firstSecretKey(secret *corev1.Secret, keys []string) string {
	for _, k := range keys {
		if v, ok := secret.Data[k]; ok && len(v) > 0 {
			return string(v)
		}
	}
	return ""
}

// DescribeNamespace returns a short listing of pods and secrets in the
// namespace, used to enrich discovery-failure diagnostics.
func (d *Discoverer) DescribeNamespace(ctx context.Context, namespace string) string {
	var b strings.Builder

	pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err == nil {
		fmt.Fprintf(&b, "pods in %s:\n", namespace)
		if len(pods.Items) == 0 {
			b.WriteString("  (none)\n")
		}
		for _, p := range pods.Items {
			fmt.Fprintf(&b, "  %s (%s)\n", p.Name, p.Status.Phase)
		}
	}

	secrets, err := d.client.CoreV1().Secrets(namespace).List(ctx, metav1.ListOptions{})
	if err == nil {
		fmt.Fprintf(&b, "secrets in %s:\n", namespace)
		if len(secrets.Items) == 0 {
			b.WriteString("  (none)\n")
		}
		for _, s := range secrets.Items {
			fmt.Fprintf(&b, "  %s\n", s.Name)
		}
	}

	return b.String()
}

func (d *Discoverer) logf(format string, args ...interface{}) {
	if d.verbose {
		log.Printf("[discovery] "+format, args...)
	}
}
