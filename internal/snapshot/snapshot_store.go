// Package snapshot persists, per mod, the exact file set the installer last wrote.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/modsync/internal/db"
	"github.com/openmined/modsync/internal/fingerprint"
	"github.com/openmined/modsync/internal/utils"
)

var (
	ErrSnapshotCorrupt = errors.New("snapshot: corrupt snapshot record")
	ErrStoreNotOpen    = errors.New("snapshot: store not open")
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    mod_id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    synced_at TEXT NOT NULL -- RFC3339Nano
);

CREATE TABLE IF NOT EXISTS snapshot_files (
    mod_id TEXT NOT NULL REFERENCES snapshots(mod_id) ON DELETE CASCADE,
    path TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    size INTEGER NOT NULL,
    PRIMARY KEY (mod_id, path)
);
`

type dbSnapshot struct {
	ModID    string `db:"mod_id"`
	Version  string `db:"version"`
	SyncedAt string `db:"synced_at"`
}

type dbSnapshotFile struct {
	ModID       string `db:"mod_id"`
	Path        string `db:"path"`
	Fingerprint string `db:"fingerprint"`
	Size        int64  `db:"size"`
}

// Store keeps snapshots in a SQLite database. A snapshot is replaced as a whole
// inside one transaction, so readers never observe a partially written one.
type Store struct {
	db     *sqlx.DB
	dbPath string
}

func NewStore(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

// Open the underlying database and ensure the schema exists
func (s *Store) Open() error {
	if s.db != nil {
		return fmt.Errorf("snapshot store already open")
	}

	if s.dbPath != ":memory:" {
		if err := utils.EnsureDir(filepath.Dir(s.dbPath)); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	conn, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		if isCorruptDB(err) {
			return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		if isCorruptDB(err) {
			return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
		return fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}

	s.db = conn
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		slog.Error("failed to close snapshot store", "error", err)
		return err
	}
	slog.Debug("snapshot store closed")
	return nil
}

// Load returns the snapshot of modID, or nil without error when the mod was never synced.
func (s *Store) Load(ctx context.Context, modID string) (*Snapshot, error) {
	if s.db == nil {
		return nil, ErrStoreNotOpen
	}

	var row dbSnapshot
	err := s.db.GetContext(ctx, &row, "SELECT mod_id, version, synced_at FROM snapshots WHERE mod_id = ?", modID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.queryError(modID, err)
	}

	syncedAt, err := time.Parse(time.RFC3339Nano, row.SyncedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: mod %s: synced_at %q", ErrSnapshotCorrupt, modID, row.SyncedAt)
	}

	var files []dbSnapshotFile
	err = s.db.SelectContext(ctx, &files, "SELECT mod_id, path, fingerprint, size FROM snapshot_files WHERE mod_id = ?", modID)
	if err != nil {
		return nil, s.queryError(modID, err)
	}

	snap := &Snapshot{
		ModID:    row.ModID,
		Version:  row.Version,
		SyncedAt: syncedAt,
		Files:    make(map[string]File, len(files)),
	}
	for _, f := range files {
		digest, err := fingerprint.Parse(f.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("%w: mod %s path %s: %v", ErrSnapshotCorrupt, modID, f.Path, err)
		}
		if f.Size < 0 {
			return nil, fmt.Errorf("%w: mod %s path %s: negative size", ErrSnapshotCorrupt, modID, f.Path)
		}
		snap.Files[f.Path] = File{Fingerprint: digest, Size: f.Size}
	}
	return snap, nil
}

// Save replaces the snapshot of snap.ModID with snap.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	if snap == nil || snap.ModID == "" {
		return fmt.Errorf("cannot save snapshot without mod id")
	}

	syncedAt := snap.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	rows := make([]dbSnapshotFile, 0, len(snap.Files))
	for _, p := range snap.Paths() {
		f := snap.Files[p]
		rows = append(rows, dbSnapshotFile{
			ModID:       snap.ModID,
			Path:        p,
			Fingerprint: f.Fingerprint.String(),
			Size:        f.Size,
		})
	}

	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_files WHERE mod_id = ?", snap.ModID); err != nil {
			return fmt.Errorf("clear files: %w", err)
		}

		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO snapshots (mod_id, version, synced_at) VALUES (:mod_id, :version, :synced_at)
			 ON CONFLICT(mod_id) DO UPDATE SET version = excluded.version, synced_at = excluded.synced_at`,
			dbSnapshot{ModID: snap.ModID, Version: snap.Version, SyncedAt: syncedAt.UTC().Format(time.RFC3339Nano)})
		if err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}

		stmt, err := tx.PrepareNamedContext(ctx,
			`INSERT INTO snapshot_files (mod_id, path, fingerprint, size) VALUES (:mod_id, :path, :fingerprint, :size)`)
		if err != nil {
			return fmt.Errorf("prepare file insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row); err != nil {
				return fmt.Errorf("write file %s: %w", row.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", snap.ModID, err)
	}

	slog.Debug("snapshot saved", "mod", snap.ModID, "version", snap.Version, "files", len(rows))
	return nil
}

// Delete removes the snapshot of modID. Deleting a missing snapshot is not an error.
func (s *Store) Delete(ctx context.Context, modID string) error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_files WHERE mod_id = ?", modID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE mod_id = ?", modID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", modID, err)
	}
	return nil
}

// List summarizes every stored snapshot ordered by mod id.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	if s.db == nil {
		return nil, ErrStoreNotOpen
	}

	var rows []struct {
		Summary
		SyncedAtRaw string `db:"synced_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
SELECT s.mod_id, s.version, s.synced_at,
       COUNT(f.path) AS file_count,
       COALESCE(SUM(f.size), 0) AS total_size
FROM snapshots s
LEFT JOIN snapshot_files f ON f.mod_id = s.mod_id
GROUP BY s.mod_id, s.version, s.synced_at
ORDER BY s.mod_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	out := make([]Summary, 0, len(rows))
	for _, r := range rows {
		sum := r.Summary
		t, err := time.Parse(time.RFC3339Nano, r.SyncedAtRaw)
		if err != nil {
			slog.Warn("snapshot has corrupt timestamp", "mod", sum.ModID, "value", r.SyncedAtRaw)
		}
		sum.SyncedAt = t
		out = append(out, sum)
	}
	return out, nil
}

// Destroy closes the store if open and moves the database aside as a
// timestamped backup, returning the backup path.
func (s *Store) Destroy() (string, error) {
	if s.db != nil {
		if err := s.Close(); err != nil {
			return "", fmt.Errorf("failed to close snapshot store: %w", err)
		}
	}

	backup := fmt.Sprintf("%s.%s.bak", s.dbPath, time.Now().Format("20060102150405"))
	if err := os.Rename(s.dbPath, backup); err != nil {
		return "", fmt.Errorf("failed to rename snapshot database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(s.dbPath + suffix)
	}
	return backup, nil
}

func (s *Store) queryError(modID string, err error) error {
	if isCorruptDB(err) {
		return fmt.Errorf("%w: mod %s: %v", ErrSnapshotCorrupt, modID, err)
	}
	return fmt.Errorf("failed to query snapshot for %s: %w", modID, err)
}

// isCorruptDB matches the SQLite errors reported for damaged database files.
func isCorruptDB(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database")
}
