package snapshot

import (
	"sort"
	"time"

	"github.com/openmined/modsync/internal/fingerprint"
)

// File is what the installer wrote for one path.
type File struct {
	Fingerprint fingerprint.Digest
	Size        int64
}

// Snapshot is the record of the files an install wrote for a mod.
type Snapshot struct {
	ModID    string
	Version  string
	SyncedAt time.Time
	Files    map[string]File
}

func New(modID, version string) *Snapshot {
	return &Snapshot{
		ModID:   modID,
		Version: version,
		Files:   make(map[string]File),
	}
}

// Paths returns the recorded paths in lexical order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Lookup returns the recorded fingerprint of path.
func (s *Snapshot) Lookup(path string) (fingerprint.Digest, bool) {
	if s == nil {
		return "", false
	}
	f, ok := s.Files[path]
	return f.Fingerprint, ok
}

// Summary is a light view of a stored snapshot.
type Summary struct {
	ModID     string    `db:"mod_id"`
	Version   string    `db:"version"`
	SyncedAt  time.Time `db:"-"`
	FileCount int       `db:"file_count"`
	TotalSize int64     `db:"total_size"`
}
