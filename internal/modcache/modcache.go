// Package modcache keeps downloaded mod archives on disk so that re-syncing or
// rolling back to a known version does not hit the remote source again.
package modcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/openmined/modsync/internal/fingerprint"
	"github.com/openmined/modsync/internal/utils"
	"golang.org/x/sync/singleflight"
)

const manifestFile = "manifest.json"

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Key identifies one cached archive.
type Key struct {
	Kind    string
	ModID   string
	Version string
}

func (k Key) String() string {
	return k.Kind + "/" + k.ModID + "@" + k.Version
}

func (k Key) dir() string {
	return filepath.Join(sanitize(k.Kind), sanitize(k.ModID), sanitize(k.Version))
}

// Manifest describes the archive stored next to it.
type Manifest struct {
	Name        string             `json:"name"`
	Version     string             `json:"version"`
	File        string             `json:"file"`
	Fingerprint fingerprint.Digest `json:"fingerprint"`
	Size        int64              `json:"size"`
	FetchedAt   time.Time          `json:"fetched_at"`
}

// Entry is a cached archive with its manifest.
type Entry struct {
	Manifest Manifest
	Data     []byte
}

// FetchFunc downloads an archive on a cache miss.
type FetchFunc func(ctx context.Context) (name string, data []byte, err error)

type Cache struct {
	dir   string
	group singleflight.Group
}

func New(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) Dir() string {
	return c.dir
}

// Get returns the cached archive for key. Entries whose content no longer
// matches their manifest are dropped and reported as a miss.
func (c *Cache) Get(key Key) (*Entry, bool) {
	entryDir := filepath.Join(c.dir, key.dir())

	raw, err := os.ReadFile(filepath.Join(entryDir, manifestFile))
	if err != nil {
		return nil, false
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil || m.File == "" || filepath.Base(m.File) != m.File {
		slog.Warn("modcache dropping entry with bad manifest", "key", key, "error", err)
		c.drop(entryDir)
		return nil, false
	}

	data, err := os.ReadFile(filepath.Join(entryDir, m.File))
	if err != nil {
		c.drop(entryDir)
		return nil, false
	}

	if got := fingerprint.Of(data); got != m.Fingerprint || int64(len(data)) != m.Size {
		slog.Warn("modcache dropping corrupt entry", "key", key, "want", m.Fingerprint.Short(), "got", got.Short())
		c.drop(entryDir)
		return nil, false
	}

	return &Entry{Manifest: m, Data: data}, true
}

// Put stores an archive. The archive is written before the manifest so a
// crash never leaves a manifest pointing at partial data.
func (c *Cache) Put(key Key, name string, data []byte) (*Manifest, error) {
	entryDir := filepath.Join(c.dir, key.dir())
	if err := utils.EnsureDir(entryDir); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	file := sanitize(filepath.Base(name))
	if file == "" || file == manifestFile {
		file = "archive"
	}

	m := Manifest{
		Name:        key.ModID,
		Version:     key.Version,
		File:        file,
		Fingerprint: fingerprint.Of(data),
		Size:        int64(len(data)),
		FetchedAt:   time.Now().UTC(),
	}

	if err := utils.WriteFileAtomic(filepath.Join(entryDir, file), data, 0o644); err != nil {
		return nil, fmt.Errorf("write cached archive: %w", err)
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(entryDir, manifestFile), raw, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	slog.Debug("modcache stored", "key", key, "file", file, "size", humanize.Bytes(uint64(m.Size)))
	return &m, nil
}

// Fetch returns the cached archive or calls fetch and caches its result.
// Concurrent calls for the same key share one fetch. hit reports whether the
// data came from disk.
func (c *Cache) Fetch(ctx context.Context, key Key, fetch FetchFunc) (entry *Entry, hit bool, err error) {
	if e, ok := c.Get(key); ok {
		return e, true, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if e, ok := c.Get(key); ok {
			return e, nil
		}

		name, data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		m, err := c.Put(key, name, data)
		if err != nil {
			// the download is still usable without the cache
			slog.Warn("modcache put failed", "key", key, "error", err)
			m = &Manifest{Name: key.ModID, Version: key.Version, File: name, Fingerprint: fingerprint.Of(data), Size: int64(len(data))}
		}
		m.File = name
		return &Entry{Manifest: *m, Data: data}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Entry), false, nil
}

// Remove drops one entry. A missing entry is not an error.
func (c *Cache) Remove(key Key) error {
	if err := os.RemoveAll(filepath.Join(c.dir, key.dir())); err != nil {
		return fmt.Errorf("remove cache entry %s: %w", key, err)
	}
	return nil
}

// Clean removes every cached archive and returns the number of bytes freed.
func (c *Cache) Clean() (int64, error) {
	var freed int64
	err := filepath.WalkDir(c.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				freed += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan cache: %w", err)
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return freed, fmt.Errorf("clean cache: %w", err)
		}
	}

	slog.Info("modcache cleaned", "dir", c.dir, "freed", humanize.Bytes(uint64(freed)))
	return freed, nil
}

func (c *Cache) drop(entryDir string) {
	if err := os.RemoveAll(entryDir); err != nil {
		slog.Warn("modcache drop failed", "dir", entryDir, "error", err)
	}
}

func sanitize(s string) string {
	s = unsafeKeyChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}
