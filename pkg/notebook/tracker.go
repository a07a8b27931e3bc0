package notebook

import (
	"fmt"
	"os"
	"strings"
)

// Tracker remembers which notebooks this process stopped, in a temp marker
// file, so an abnormal exit can warn the operator about workbenches left
// stopped. Entries are "<namespace>/<name>" lines.
type Tracker struct {
	path string
}

// NewTracker creates the marker file.
func NewTracker() (*Tracker, error) {
	f, err := os.CreateTemp("", "notebook-migrate-stopped-*.txt")
	if err != nil {
		return nil, fmt.Errorf("creating stop tracker: %w", err)
	}
	f.Close()
	return &Tracker{path: f.Name()}, nil
}

func (t *Tracker) Add(namespace, name string) error {
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s/%s\n", namespace, name)
	return err
}

func (t *Tracker) Remove(namespace, name string) error {
	entries, err := t.List()
	if err != nil {
		return err
	}
	target := namespace + "/" + name
	var kept []string
	for _, e := range entries {
		if e != target {
			kept = append(kept, e)
		}
	}
	content := strings.Join(kept, "\n")
	if content != "" {
		content += "\n"
	}
	return os.WriteFile(t.path, []byte(content), 0600)
}

// List returns the notebooks currently recorded as stopped.
func (t *Tracker) List() ([]string, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// Cleanup removes the marker file. Call it only after a clean run; on an
// abnormal exit the file is what tells the operator what is still stopped.
func (t *Tracker) Cleanup() {
	os.Remove(t.path)
}

// Path returns the marker file location for operator-facing warnings.
func (t *Tracker) Path() string {
	return t.path
}
