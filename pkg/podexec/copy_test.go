package podexec

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	utilexec "k8s.io/client-go/util/exec"
)

// fakeExecutor serves scripted behavior instead of a live pod.
type fakeExecutor struct {
	handler func(command []string, stdin io.Reader, stdout, stderr io.Writer) error
	calls   [][]string
}

func (f *fakeExecutor) Stream(_ context.Context, _, _, _ string, command []string, stdin io.Reader, stdout, stderr io.Writer) error {
	f.calls = append(f.calls, command)
	return f.handler(command, stdin, stdout, stderr)
}

func tarStream(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: "./" + name,
			Mode: 0644,
			Size: int64(len(content)),
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestCopyFromPod(t *testing.T) {
	stream := tarStream(t, map[string]string{
		"a.txt":        "alpha",
		"nested/b.txt": "bravo",
	})
	exec := &fakeExecutor{handler: func(command []string, _ io.Reader, stdout, _ io.Writer) error {
		_, err := stdout.Write(stream)
		return err
	}}

	dest := t.TempDir()
	count, err := CopyFromPod(context.Background(), exec, "ns1", "pod-0", "", "/inputs", dest)
	if err != nil {
		t.Fatalf("CopyFromPod() error: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	data, err := os.ReadFile(filepath.Join(dest, "nested", "b.txt"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "bravo" {
		t.Errorf("content = %q, want %q", data, "bravo")
	}

	want := []string{"tar", "cf", "-", "-C", "/inputs", "."}
	if len(exec.calls) != 1 {
		t.Fatalf("expected 1 exec call, got %d", len(exec.calls))
	}
	for i, arg := range want {
		if exec.calls[0][i] != arg {
			t.Errorf("command = %v, want %v", exec.calls[0], want)
			break
		}
	}
}

func TestCopyFromPod_EmptyVolume(t *testing.T) {
	exec := &fakeExecutor{handler: func(_ []string, _ io.Reader, stdout, _ io.Writer) error {
		_, err := stdout.Write(tarStream(t, nil))
		return err
	}}

	count, err := CopyFromPod(context.Background(), exec, "ns1", "pod-0", "", "/inputs", t.TempDir())
	if err != nil {
		t.Fatalf("CopyFromPod() error: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestCopyFromPod_RejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0644, Size: 3})
	tw.Write([]byte("bad"))
	tw.Close()

	exec := &fakeExecutor{handler: func(_ []string, _ io.Reader, stdout, _ io.Writer) error {
		_, err := stdout.Write(buf.Bytes())
		return err
	}}

	_, err := CopyFromPod(context.Background(), exec, "ns1", "pod-0", "", "/inputs", t.TempDir())
	if err == nil {
		t.Fatal("expected error for path escaping the target directory")
	}
}

func TestCopyFromPod_UnpackErrorUnblocksStream(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0644, Size: 3})
	tw.Write([]byte("bad"))
	tw.Close()

	// The producer keeps writing after the unpack side has already failed;
	// CopyFromPod must fail the write instead of leaving it blocked on the
	// pipe forever.
	writeDone := make(chan error, 1)
	exec := &fakeExecutor{handler: func(_ []string, _ io.Reader, stdout, _ io.Writer) error {
		_, err := stdout.Write(buf.Bytes())
		writeDone <- err
		return err
	}}

	_, err := CopyFromPod(context.Background(), exec, "ns1", "pod-0", "", "/inputs", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "illegal path") {
		t.Fatalf("CopyFromPod() error = %v, want illegal path", err)
	}

	select {
	case werr := <-writeDone:
		if werr == nil {
			t.Error("trailing write succeeded; the pipe should carry the unpack error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream goroutine still blocked after CopyFromPod returned")
	}
}

func TestCopyToPod_RoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("bravo"), 0644); err != nil {
		t.Fatal(err)
	}

	// The fake pod unpacks the stream into a local directory, giving a
	// full round trip through tarDirectory and untar.
	remote := t.TempDir()
	exec := &fakeExecutor{handler: func(_ []string, stdin io.Reader, _, _ io.Writer) error {
		_, err := untar(stdin, remote)
		return err
	}}

	if err := CopyToPod(context.Background(), exec, "ns1", "pod-0", "", src, "/inputs"); err != nil {
		t.Fatalf("CopyToPod() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(remote, "nested", "b.txt"))
	if err != nil {
		t.Fatalf("reading round-tripped file: %v", err)
	}
	if string(data) != "bravo" {
		t.Errorf("content = %q, want %q", data, "bravo")
	}
}

func TestCopyToPod_SourceMustBeDirectory(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	exec := &fakeExecutor{handler: func(_ []string, _ io.Reader, _, _ io.Writer) error {
		return nil
	}}
	if err := CopyToPod(context.Background(), exec, "ns1", "pod-0", "", f, "/inputs"); err == nil {
		t.Fatal("expected error for non-directory source")
	}
}

func TestCountLocalFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a"), []byte("1"), 0644)
	os.MkdirAll(filepath.Join(dir, "sub"), 0755)
	os.WriteFile(filepath.Join(dir, "sub", "b"), []byte("2"), 0644)

	count, err := CountLocalFiles(dir)
	if err != nil {
		t.Fatalf("CountLocalFiles() error: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestExitCode(t *testing.T) {
	err := utilexec.CodeExitError{Err: errors.New("command terminated with exit code 2"), Code: 2}
	code, ok := ExitCode(err)
	if !ok || code != 2 {
		t.Errorf("ExitCode() = %d, %v; want 2, true", code, ok)
	}

	if _, ok := ExitCode(errors.New("plain failure")); ok {
		t.Error("plain errors must not report an exit code")
	}
}
