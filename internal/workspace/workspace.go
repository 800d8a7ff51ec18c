// Package workspace lays out the per-run working directory: chunk audio files,
// the run record and the run lock.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/gofrs/flock"
)

const lockName = ".lock"

// ErrLocked is returned when another process holds the working directory.
var ErrLocked = errors.New("working directory is in use by another run")

var chunkFile = regexp.MustCompile(`^chunk_(\d{5,})(\.raw)?\.wav$`)

// Workspace is a working directory owned by one run at a time.
type Workspace struct {
	dir  string
	lock *flock.Flock
}

// Open creates dir if needed.
func Open(dir string) (*Workspace, error) {
	if dir == "" {
		return nil, fmt.Errorf("workspace directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir, lock: flock.New(filepath.Join(dir, lockName))}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// RawPath is where the synthesized audio of chunk index is kept.
func (w *Workspace) RawPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("chunk_%05d.raw.wav", index))
}

// ConvertedPath is where the converted audio of chunk index is kept.
func (w *Workspace) ConvertedPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("chunk_%05d.wav", index))
}

// Lock takes the run lock without waiting.
func (w *Workspace) Lock() error {
	ok, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock workspace: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	if !w.lock.Locked() {
		return nil
	}
	return w.lock.Unlock()
}

// Prune removes chunk files whose index is at or beyond count, left over from
// an earlier run of a longer document.
func (w *Workspace) Prune(count int) ([]int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	for _, entry := range entries {
		m := chunkFile.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil || index < count {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		seen[index] = true
	}
	removed := make([]int, 0, len(seen))
	for index := range seen {
		removed = append(removed, index)
	}
	sort.Ints(removed)
	return removed, nil
}

// NonEmpty reports whether path is a regular file with content.
func NonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
