package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const jobDirPrefix = "job-"

// Workspace is the scratch root for pipeline runs. Each run gets its own
// job directory which is removed when the run ends. The root is held with
// an advisory lock so two processes never share it.
type Workspace struct {
	root string
	lock *flock.Flock
}

// OpenWorkspace creates root if needed, locks it, and removes job
// directories left behind by a previous process.
func OpenWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	lock := flock.New(filepath.Join(root, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock workspace: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", root, ErrWorkspaceLocked)
	}

	w := &Workspace{root: root, lock: lock}
	if err := w.sweep(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return w, nil
}

func (w *Workspace) Root() string { return w.root }

func (w *Workspace) sweep() error {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("scan workspace: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), jobDirPrefix) {
			if err := os.RemoveAll(filepath.Join(w.root, e.Name())); err != nil {
				return fmt.Errorf("remove stale job dir: %w", err)
			}
		}
	}
	return nil
}

// Acquire creates a fresh job directory. The returned release func removes
// it and is safe to call more than once.
func (w *Workspace) Acquire() (string, func() error, error) {
	dir, err := os.MkdirTemp(w.root, jobDirPrefix)
	if err != nil {
		return "", nil, fmt.Errorf("create job dir: %w", err)
	}
	return dir, func() error {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove job dir: %w", err)
		}
		return nil
	}, nil
}

// Residual counts job directories currently on disk.
func (w *Workspace) Residual() int {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), jobDirPrefix) {
			n++
		}
	}
	return n
}

// Close releases the workspace lock.
func (w *Workspace) Close() error {
	return w.lock.Unlock()
}
