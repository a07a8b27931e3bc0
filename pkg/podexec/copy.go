package podexec

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CopyFromPod copies the contents of remoteDir in the pod into localDir.
// The pod side produces a tar stream which is unpacked locally. Returns the
// number of regular files written. Existing local files are overwritten but
// never removed, so an interrupted copy can be resumed by re-running.
func CopyFromPod(ctx context.Context, e Executor, namespace, pod, container, remoteDir, localDir string) (int, error) {
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", localDir, err)
	}

	pr, pw := io.Pipe()
	var stderr bytes.Buffer

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := e.Stream(ctx, namespace, pod, container,
			[]string{"tar", "cf", "-", "-C", remoteDir, "."}, nil, pw, &stderr)
		pw.CloseWithError(err)
	}()

	count, err := untar(pr, localDir)
	if err != nil {
		// Unblock a producer still writing into the pipe, and wait for it
		// before reading stderr.
		pr.CloseWithError(err)
	}
	<-done
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return count, fmt.Errorf("copying from %s:%s: %w (remote: %s)", pod, remoteDir, err, msg)
		}
		return count, fmt.Errorf("copying from %s:%s: %w", pod, remoteDir, err)
	}
	return count, nil
}

// CopyToPod copies the contents of localDir into remoteDir in the pod.
// The local side produces a tar stream which the pod unpacks in place;
// files already present under remoteDir are overwritten, unrelated paths
// are left alone.
func CopyToPod(ctx context.Context, e Executor, namespace, pod, container, localDir, remoteDir string) error {
	info, err := os.Stat(localDir)
	if err != nil {
		return fmt.Errorf("source %q: %w", localDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %q is not a directory", localDir)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarDirectory(localDir, pw))
	}()

	var stderr bytes.Buffer
	err = e.Stream(ctx, namespace, pod, container,
		[]string{"tar", "xf", "-", "-C", remoteDir}, pr, nil, &stderr)
	// Release the producer if the stream ended before draining it.
	pr.CloseWithError(err)
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("copying to %s:%s: %w (remote: %s)", pod, remoteDir, err, msg)
		}
		return fmt.Errorf("copying to %s:%s: %w", pod, remoteDir, err)
	}
	return nil
}

// tarDirectory writes sourceDir's contents to w as a tar stream with paths
// relative to sourceDir.
func tarDirectory(sourceDir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	err := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("creating tar header for %s: %w", path, err)
		}
		header.Name = relPath

		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			header.Linkname = link
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header: %w", err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	return tw.Close()
}

// untar unpacks a tar stream into targetDir and returns the count of regular
// files written. Paths escaping targetDir are rejected.
func untar(r io.Reader, targetDir string) (int, error) {
	cleanBase := filepath.Clean(targetDir)
	tr := tar.NewReader(r)

	var count int
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("reading tar: %w", err)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "" || name == "." {
			continue
		}

		target := filepath.Join(targetDir, name)
		cleanTarget := filepath.Clean(target)
		if cleanTarget != cleanBase && !strings.HasPrefix(cleanTarget, cleanBase+string(os.PathSeparator)) {
			return count, fmt.Errorf("illegal path in tar stream: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return count, err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return count, err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return count, err
			}
			out.Close()
			count++
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return count, err
			}
		}
	}
	return count, nil
}

// CountLocalFiles counts regular files under dir, recursively.
func CountLocalFiles(dir string) (int, error) {
	var count int
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			count++
		}
		return nil
	})
	return count, err
}
