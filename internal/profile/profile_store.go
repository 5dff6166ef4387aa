package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/openmined/modsync/internal/utils"
	"gopkg.in/yaml.v3"
)

const header = "# modsync profile. Edit freely; unknown keys are preserved.\n"

// Store serializes every read-modify-write of the profile document behind a
// process mutex and a lock file, and rewrites the file atomically.
type Store struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

func NewStore(path string) *Store {
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the document. A missing file is created empty.
func (s *Store) Load() (*Document, error) {
	var doc *Document
	err := s.withLock(func() error {
		var err error
		doc, err = s.readOrCreate()
		return err
	})
	return doc, err
}

// List returns the mods in profile order.
func (s *Store) List() ([]Mod, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	return doc.Mods, nil
}

func (s *Store) Get(id string) (Mod, error) {
	doc, err := s.Load()
	if err != nil {
		return Mod{}, err
	}
	m := doc.Find(id)
	if m == nil {
		return Mod{}, fmt.Errorf("%w: %s", ErrModNotFound, id)
	}
	return *m, nil
}

// Update applies fn to the current document and writes the result back.
// Nothing is written when fn returns an error.
func (s *Store) Update(fn func(doc *Document) error) error {
	return s.withLock(func() error {
		doc, err := s.readOrCreate()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		if err := doc.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMod, err)
		}
		return s.write(doc)
	})
}

// Add appends a mod. The mod is enabled unless it says otherwise.
func (s *Store) Add(mod Mod) error {
	if err := mod.Validate(); err != nil {
		return err
	}
	if mod.Enabled == nil {
		enabled := true
		mod.Enabled = &enabled
	}
	return s.Update(func(doc *Document) error {
		if doc.Find(mod.ID) != nil {
			return fmt.Errorf("%w: %s", ErrModExists, mod.ID)
		}
		doc.Mods = append(doc.Mods, mod)
		slog.Info("profile mod added", "mod", mod.ID, "source", mod.Source)
		return nil
	})
}

func (s *Store) Remove(id string) error {
	return s.Update(func(doc *Document) error {
		i := doc.index(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrModNotFound, id)
		}
		doc.Mods = append(doc.Mods[:i], doc.Mods[i+1:]...)
		slog.Info("profile mod removed", "mod", id)
		return nil
	})
}

func (s *Store) SetEnabled(id string, enabled bool) error {
	return s.modify(id, func(m *Mod) {
		m.Enabled = &enabled
	})
}

// SetVersion pins the wanted version. An empty version means latest.
func (s *Store) SetVersion(id, version string) error {
	return s.modify(id, func(m *Mod) {
		if version == VersionLatest {
			version = ""
		}
		m.Version = version
	})
}

// SetInstalledVersion records the version the installer last completed.
func (s *Store) SetInstalledVersion(id, version string) error {
	return s.modify(id, func(m *Mod) {
		m.InstalledVersion = version
	})
}

func (s *Store) modify(id string, fn func(m *Mod)) error {
	return s.Update(func(doc *Document) error {
		m := doc.Find(id)
		if m == nil {
			return fmt.Errorf("%w: %s", ErrModNotFound, id)
		}
		fn(m)
		return nil
	})
}

func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := utils.EnsureParent(s.path); err != nil {
		return fmt.Errorf("profile dir: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("profile lock: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			slog.Warn("profile unlock failed", "path", s.path, "error", err)
		}
	}()
	return fn()
}

func (s *Store) readOrCreate() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		doc := &Document{Mods: []Mod{}}
		if err := s.write(doc); err != nil {
			return nil, err
		}
		slog.Info("profile created", "path", s.path)
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", s.path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileCorrupt, err)
	}
	if doc.Mods == nil {
		doc.Mods = []Mod{}
	}
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileCorrupt, err)
	}
	return doc, nil
}

func (s *Store) write(doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("write profile %s: %w", s.path, err)
	}
	return nil
}
