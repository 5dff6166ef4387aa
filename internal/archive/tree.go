package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/openmined/modsync/internal/fingerprint"
)

// FileEntry describes one file of a FileTree.
type FileEntry struct {
	Path        string
	Fingerprint fingerprint.Digest
	Size        int64
	Mode        fs.FileMode

	staged string
}

// Open returns the staged content of the entry.
func (e FileEntry) Open() (io.ReadCloser, error) {
	if e.staged == "" {
		return nil, fmt.Errorf("archive: entry %s has no staged content", e.Path)
	}
	return os.Open(e.staged)
}

type scratch struct {
	dir  string
	once sync.Once
	err  error
}

func (s *scratch) release() error {
	s.once.Do(func() {
		s.err = os.RemoveAll(s.dir)
	})
	return s.err
}

// FileTree maps relative paths to entries. It is immutable; Remap and Filter
// produce new trees that share the same staged data.
type FileTree struct {
	entries map[string]FileEntry
	scratch *scratch
}

// FromMap stages in-memory files into a new tree. Paths go through CleanPath.
func FromMap(files map[string][]byte) (*FileTree, error) {
	x, err := newExtractor()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := x.add(context.Background(), name, 0o644, bytes.NewReader(files[name])); err != nil {
			x.scratch.release()
			return nil, err
		}
	}
	return &FileTree{entries: x.entries, scratch: x.scratch}, nil
}

func (t *FileTree) Len() int {
	return len(t.entries)
}

func (t *FileTree) Get(path string) (FileEntry, bool) {
	e, ok := t.entries[path]
	return e, ok
}

// Paths returns all paths in lexical order.
func (t *FileTree) Paths() []string {
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Entries returns all entries ordered by path.
func (t *FileTree) Entries() []FileEntry {
	out := make([]FileEntry, 0, len(t.entries))
	for _, p := range t.Paths() {
		out = append(out, t.entries[p])
	}
	return out
}

// Mapping returns the path -> fingerprint view of the tree.
func (t *FileTree) Mapping() map[string]fingerprint.Digest {
	m := make(map[string]fingerprint.Digest, len(t.entries))
	for p, e := range t.entries {
		m[p] = e.Fingerprint
	}
	return m
}

// TotalSize is the sum of all entry sizes.
func (t *FileTree) TotalSize() int64 {
	var n int64
	for _, e := range t.entries {
		n += e.Size
	}
	return n
}

// Remap builds a derived tree. fn returns the new path for an entry, or false to drop it.
// When two entries map to the same path the lexically later source path wins.
func (t *FileTree) Remap(fn func(path string) (string, bool)) *FileTree {
	out := make(map[string]FileEntry, len(t.entries))
	for _, p := range t.Paths() {
		np, ok := fn(p)
		if !ok || np == "" {
			continue
		}
		e := t.entries[p]
		e.Path = np
		out[np] = e
	}
	return &FileTree{entries: out, scratch: t.scratch}
}

// Filter builds a derived tree with the entries for which keep returns true.
func (t *FileTree) Filter(keep func(path string) bool) *FileTree {
	return t.Remap(func(p string) (string, bool) {
		return p, keep(p)
	})
}

// Close removes the staged data. Trees derived from the same extraction share
// it, so closing any of them invalidates all. Close is idempotent.
func (t *FileTree) Close() error {
	if t == nil || t.scratch == nil {
		return nil
	}
	return t.scratch.release()
}

// ScratchDir exposes the staging directory for tests and diagnostics.
func (t *FileTree) ScratchDir() string {
	if t.scratch == nil {
		return ""
	}
	return filepath.Clean(t.scratch.dir)
}
