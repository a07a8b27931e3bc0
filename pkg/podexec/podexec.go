package podexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

// Executor runs commands inside pods. The production implementation streams
// over SPDY; tests substitute a fake.
type Executor interface {
	// Stream runs command in the named pod, wiring the given streams.
	// A nonzero remote exit code is returned as an error that ExitCode
	// can unwrap.
	Stream(ctx context.Context, namespace, pod, container string, command []string, stdin io.Reader, stdout, stderr io.Writer) error
}

// SPDYExecutor executes commands through the Kubernetes exec subresource.
type SPDYExecutor struct {
	client  kubernetes.Interface
	config  *rest.Config
	verbose bool
}

func NewSPDYExecutor(client kubernetes.Interface, config *rest.Config, verbose bool) *SPDYExecutor {
	return &SPDYExecutor{client: client, config: config, verbose: verbose}
}

func (e *SPDYExecutor) Stream(ctx context.Context, namespace, pod, container string, command []string, stdin io.Reader, stdout, stderr io.Writer) error {
	e.logf("exec %s/%s: %s", namespace, pod, strings.Join(command, " "))

	req := e.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdin:     stdin != nil,
			Stdout:    stdout != nil,
			Stderr:    stderr != nil,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("creating executor for pod %s/%s: %w", namespace, pod, err)
	}

	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
}

func (e *SPDYExecutor) logf(format string, args ...interface{}) {
	if e.verbose {
		log.Printf("[podexec] "+format, args...)
	}
}

// ExitCode extracts the remote exit code from a Stream error.
// The second return is false when err carries no exit code (transport
// failure, context cancellation).
func ExitCode(err error) (int, bool) {
	var codeErr utilexec.CodeExitError
	if errors.As(err, &codeErr) {
		return codeErr.Code, true
	}
	return 0, false
}

// Run executes a command and returns its captured stdout and stderr.
func Run(ctx context.Context, e Executor, namespace, pod, container string, command []string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	err := e.Stream(ctx, namespace, pod, container, command, nil, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

// RunShell executes a shell one-liner in the pod.
func RunShell(ctx context.Context, e Executor, namespace, pod, container, script string) (string, string, error) {
	return Run(ctx, e, namespace, pod, container, []string{"sh", "-c", script})
}
