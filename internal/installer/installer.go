// Package installer applies a mod's extracted file tree to the game directory
// as a differential update against the snapshot of its last install.
//
// Files the user changed since the last install are never deleted: they are
// reported as orphans instead. Files the new version changes are overwritten
// even when modified locally, and reported as such. The new snapshot is only
// recorded once every file operation succeeded, so a failed install can be
// retried and computes the same change set.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/modsync/internal/archive"
	"github.com/openmined/modsync/internal/fingerprint"
	"github.com/openmined/modsync/internal/profile"
	"github.com/openmined/modsync/internal/snapshot"
	"github.com/openmined/modsync/internal/utils"
)

// StagePrefix names the per-install staging directories created in the game root.
const StagePrefix = ".modsync-stage-"

// Result describes what an install, dry run or uninstall did.
type Result struct {
	ModID   string
	Version string
	Changes *ChangeSet
	// Orphans were due for removal but changed on disk, so they were kept.
	Orphans []string
	// Overwritten were changed on disk and replaced by the new version.
	Overwritten []string
	DryRun      bool
}

type Installer struct {
	root      string
	snapshots *snapshot.Store
	profile   *profile.Store
	locks     *Locker
}

// New creates an installer writing below root. profile may be nil, in which
// case installed versions are not recorded.
func New(root string, snapshots *snapshot.Store, prof *profile.Store, locks *Locker) *Installer {
	return &Installer{
		root:      filepath.Clean(root),
		snapshots: snapshots,
		profile:   prof,
		locks:     locks,
	}
}

func (i *Installer) Root() string {
	return i.root
}

// Install brings the files of modID in line with tree and records version.
// Cancellation is honored until the first change to the game directory.
func (i *Installer) Install(ctx context.Context, modID, version string, tree *archive.FileTree) (*Result, error) {
	unlock, err := i.locks.Lock(ctx, modID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	old, err := i.snapshots.Load(ctx, modID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", modID, err)
	}

	changes := Diff(old, tree)
	res := &Result{ModID: modID, Version: version, Changes: changes}

	if err := i.checkPaths(tree.Paths()); err != nil {
		return nil, err
	}

	var staged map[string]string
	var stageDir string
	if len(changes.Added)+len(changes.Updated) > 0 {
		stageDir, staged, err = i.stage(ctx, tree, append(append([]string{}, changes.Added...), changes.Updated...))
		if stageDir != "" {
			defer func() {
				if err := os.RemoveAll(stageDir); err != nil {
					slog.Warn("installer failed to remove staging dir", "dir", stageDir, "error", err)
				}
			}()
		}
		if err != nil {
			return nil, err
		}
	}

	// last chance to back out without touching the game directory
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	commitCtx := context.WithoutCancel(ctx)

	var failures []*FileError
	fail := func(path, op string, err error) {
		slog.Error("installer file operation failed", "mod", modID, "path", path, "op", op, "error", err)
		failures = append(failures, &FileError{Path: path, Op: op, Err: err})
	}

	for _, p := range changes.Removed {
		want, _ := old.Lookup(p)
		removed, err := i.removeIfUnchanged(p, want)
		switch {
		case err != nil:
			fail(p, "remove", err)
		case !removed:
			slog.Warn("installer keeping modified file", "mod", modID, "path", p)
			res.Orphans = append(res.Orphans, p)
		}
	}

	for _, p := range changes.Updated {
		if i.modifiedOnDisk(p, old, tree) {
			slog.Warn("installer overwriting modified file", "mod", modID, "path", p)
			res.Overwritten = append(res.Overwritten, p)
		}
		if err := i.place(staged[p], p, tree); err != nil {
			fail(p, "update", err)
		}
	}

	for _, p := range changes.Added {
		if err := i.place(staged[p], p, tree); err != nil {
			fail(p, "add", err)
		}
	}

	if len(failures) > 0 {
		return res, &ApplyError{ModID: modID, Errors: failures}
	}

	snap := snapshot.New(modID, version)
	snap.SyncedAt = time.Now().UTC()
	for _, e := range tree.Entries() {
		snap.Files[e.Path] = snapshot.File{Fingerprint: e.Fingerprint, Size: e.Size}
	}
	if err := i.snapshots.Save(commitCtx, snap); err != nil {
		return res, fmt.Errorf("save snapshot %s: %w", modID, err)
	}

	if i.profile != nil {
		if err := i.profile.SetInstalledVersion(modID, version); err != nil && !errors.Is(err, profile.ErrModNotFound) {
			return res, fmt.Errorf("record installed version %s: %w", modID, err)
		}
	}

	slog.Info("installed mod",
		"mod", modID,
		"version", version,
		"added", len(changes.Added),
		"updated", len(changes.Updated),
		"removed", len(changes.Removed)-len(res.Orphans),
		"unchanged", len(changes.Unchanged),
		"orphans", len(res.Orphans),
		"size", humanize.Bytes(uint64(tree.TotalSize())),
	)
	return res, nil
}

// Plan computes what Install would do without changing anything.
func (i *Installer) Plan(ctx context.Context, modID, version string, tree *archive.FileTree) (*Result, error) {
	old, err := i.snapshots.Load(ctx, modID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", modID, err)
	}
	if err := i.checkPaths(tree.Paths()); err != nil {
		return nil, err
	}

	changes := Diff(old, tree)
	res := &Result{ModID: modID, Version: version, Changes: changes, DryRun: true}

	for _, p := range changes.Removed {
		want, _ := old.Lookup(p)
		if got, err := fingerprint.File(i.abs(p)); err == nil && got != want {
			res.Orphans = append(res.Orphans, p)
		}
	}
	for _, p := range changes.Updated {
		if i.modifiedOnDisk(p, old, tree) {
			res.Overwritten = append(res.Overwritten, p)
		}
	}
	return res, nil
}

// Uninstall removes every file recorded for modID that is unchanged on disk
// and forgets the mod's snapshot. A mod without a snapshot is a no-op.
func (i *Installer) Uninstall(ctx context.Context, modID string) (*Result, error) {
	unlock, err := i.locks.Lock(ctx, modID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	old, err := i.snapshots.Load(ctx, modID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", modID, err)
	}
	res := &Result{ModID: modID, Changes: &ChangeSet{}}
	if old == nil {
		return res, nil
	}
	res.Version = old.Version
	res.Changes.Removed = old.Paths()

	var failures []*FileError
	for _, p := range res.Changes.Removed {
		want, _ := old.Lookup(p)
		removed, err := i.removeIfUnchanged(p, want)
		switch {
		case err != nil:
			failures = append(failures, &FileError{Path: p, Op: "remove", Err: err})
		case !removed:
			res.Orphans = append(res.Orphans, p)
		}
	}
	if len(failures) > 0 {
		return res, &ApplyError{ModID: modID, Errors: failures}
	}

	if err := i.snapshots.Delete(context.WithoutCancel(ctx), modID); err != nil {
		return res, fmt.Errorf("delete snapshot %s: %w", modID, err)
	}
	if i.profile != nil {
		if err := i.profile.SetInstalledVersion(modID, ""); err != nil && !errors.Is(err, profile.ErrModNotFound) {
			return res, fmt.Errorf("clear installed version %s: %w", modID, err)
		}
	}

	slog.Info("uninstalled mod", "mod", modID, "removed", len(res.Changes.Removed)-len(res.Orphans), "orphans", len(res.Orphans))
	return res, nil
}

// modifiedOnDisk reports whether an Updated path holds neither the old
// snapshot's content nor the new tree's. A missing file counts as modified.
// The second case happens when a failed earlier attempt already placed it.
func (i *Installer) modifiedOnDisk(p string, old *snapshot.Snapshot, tree *archive.FileTree) bool {
	got, err := fingerprint.File(i.abs(p))
	if err != nil {
		return true
	}
	if was, _ := old.Lookup(p); got == was {
		return false
	}
	if e, ok := tree.Get(p); ok && got == e.Fingerprint {
		return false
	}
	return true
}

func (i *Installer) abs(rel string) string {
	return filepath.Join(i.root, filepath.FromSlash(rel))
}

// checkPaths rejects trees that would write outside the root or into staging dirs.
func (i *Installer) checkPaths(paths []string) error {
	for _, p := range paths {
		abs := i.abs(p)
		if abs == i.root || !utils.IsWithin(i.root, abs) || strings.HasPrefix(p, StagePrefix) {
			return fmt.Errorf("%w: %s", archive.ErrUnsafeArchivePath, p)
		}
	}
	return nil
}

// stage copies the given tree entries into a fresh directory inside the root
// and verifies each copy. It returns path -> staged file.
func (i *Installer) stage(ctx context.Context, tree *archive.FileTree, paths []string) (string, map[string]string, error) {
	if err := utils.EnsureDir(i.root); err != nil {
		return "", nil, fmt.Errorf("%w: create root: %v", ErrFilesystemIO, err)
	}
	dir := filepath.Join(i.root, StagePrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("%w: create staging dir: %v", ErrFilesystemIO, err)
	}

	staged := make(map[string]string, len(paths))
	for n, p := range paths {
		if err := ctx.Err(); err != nil {
			return dir, nil, err
		}
		entry, ok := tree.Get(p)
		if !ok {
			return dir, nil, fmt.Errorf("%w: %s missing from tree", ErrFilesystemIO, p)
		}
		dst := filepath.Join(dir, fmt.Sprintf("%06d", n))
		if err := stageEntry(entry, dst); err != nil {
			return dir, nil, err
		}
		staged[p] = dst
	}
	slog.Debug("installer staged files", "dir", dir, "count", len(staged))
	return dir, staged, nil
}

func stageEntry(entry archive.FileEntry, dst string) error {
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrFilesystemIO, entry.Path, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, entry.Mode.Perm())
	if err != nil {
		return fmt.Errorf("%w: stage %s: %v", ErrFilesystemIO, entry.Path, err)
	}

	fw := fingerprint.NewWriter(out)
	_, err = io.Copy(fw, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: stage %s: %v", ErrFilesystemIO, entry.Path, err)
	}

	if got, n := fw.Sum(); got != entry.Fingerprint || n != entry.Size {
		return fmt.Errorf("%w: staged %s does not match archive (%s != %s)",
			archive.ErrArchiveCorrupt, entry.Path, got.Short(), entry.Fingerprint.Short())
	}
	return nil
}

// place moves a staged file to its final path.
func (i *Installer) place(staged, rel string, tree *archive.FileTree) error {
	if staged == "" {
		return fmt.Errorf("%s was not staged", rel)
	}
	dst := i.abs(rel)
	if err := utils.EnsureParent(dst); err != nil {
		return err
	}
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		return fmt.Errorf("%s is a directory", rel)
	}
	if err := os.Rename(staged, dst); err != nil {
		return err
	}
	if entry, ok := tree.Get(rel); ok {
		if err := os.Chmod(dst, entry.Mode.Perm()); err != nil {
			slog.Debug("installer chmod failed", "path", rel, "error", err)
		}
	}
	return nil
}

// removeIfUnchanged deletes rel when its content still matches want. A file
// that is already gone counts as removed.
func (i *Installer) removeIfUnchanged(rel string, want fingerprint.Digest) (bool, error) {
	abs := i.abs(rel)
	if abs == i.root || !utils.IsWithin(i.root, abs) {
		return false, fmt.Errorf("%w: %s", archive.ErrUnsafeArchivePath, rel)
	}

	got, err := fingerprint.File(abs)
	if errors.Is(err, os.ErrNotExist) {
		utils.PruneEmptyDirs(i.root, filepath.Dir(abs))
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if got != want {
		return false, nil
	}

	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	utils.PruneEmptyDirs(i.root, filepath.Dir(abs))
	return true, nil
}
