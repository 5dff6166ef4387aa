// Package modsync keeps the mods installed in an SPT game directory in line
// with the mod profile.
package modsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/modsync/internal/backup"
	"github.com/openmined/modsync/internal/config"
	"github.com/openmined/modsync/internal/installer"
	"github.com/openmined/modsync/internal/layout"
	"github.com/openmined/modsync/internal/modcache"
	"github.com/openmined/modsync/internal/profile"
	"github.com/openmined/modsync/internal/snapshot"
	"github.com/openmined/modsync/internal/source"
)

// Options overrides the collaborators New would build from the config.
type Options struct {
	Sources      *source.Registry
	ProcessNames ProcessNames
	Now          func() time.Time

	// ResetCorruptSnapshots moves a damaged snapshot database aside and
	// starts from an empty one. Every mod then syncs as a first install.
	ResetCorruptSnapshots bool
}

type Manager struct {
	cfg          *config.Config
	profile      *profile.Store
	snapshots    *snapshot.Store
	sources      *source.Registry
	cache        *modcache.Cache
	installer    *installer.Installer
	ignore       *layout.IgnoreList
	processNames ProcessNames
	now          func() time.Time
}

// New opens the stores of cfg. cfg must be validated. Close releases them.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Manager, error) {
	sources := opts.Sources
	if sources == nil {
		var err error
		sources, err = source.NewRegistry(ctx, source.Options{
			GitHub: source.GitHubOptions{Token: cfg.GitHubToken},
			S3:     cfg.S3,
		})
		if err != nil {
			return nil, fmt.Errorf("sources: %w", err)
		}
	}

	snapshots := snapshot.NewStore(cfg.SnapshotDBPath())
	err := snapshots.Open()
	if errors.Is(err, snapshot.ErrSnapshotCorrupt) && opts.ResetCorruptSnapshots {
		backup, derr := snapshots.Destroy()
		if derr != nil {
			return nil, fmt.Errorf("reset snapshots: %w", derr)
		}
		slog.Warn("snapshot database was corrupt, moved aside", "backup", backup)
		err = snapshots.Open()
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshots: %w", err)
	}

	prof := profile.NewStore(cfg.Profile)

	m := &Manager{
		cfg:          cfg,
		profile:      prof,
		snapshots:    snapshots,
		sources:      sources,
		cache:        modcache.New(cfg.CacheDir),
		installer:    installer.New(cfg.GameDir, snapshots, prof, installer.NewLocker(cfg.LockDir())),
		ignore:       layout.LoadIgnoreFile(cfg.IgnoreFile()),
		processNames: opts.ProcessNames,
		now:          opts.Now,
	}
	if m.processNames == nil {
		m.processNames = systemProcessNames
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *Manager) Close() error {
	return m.snapshots.Close()
}

func (m *Manager) Profile() *profile.Store {
	return m.profile
}

func (m *Manager) Cache() *modcache.Cache {
	return m.cache
}

func (m *Manager) sourceFor(mod profile.Mod) (source.Source, source.Ref, error) {
	kind, err := source.ParseKind(mod.Source)
	if err != nil {
		return nil, source.Ref{}, err
	}
	src, err := m.sources.Get(kind)
	if err != nil {
		return nil, source.Ref{}, err
	}
	return src, source.Ref{
		ModID:        mod.ID,
		Locator:      mod.Ref,
		AssetPattern: mod.AssetPattern,
		AssetExclude: mod.AssetExclude,
	}, nil
}

// Versions lists the versions available for a profile mod, newest first.
func (m *Manager) Versions(ctx context.Context, id string) ([]source.Version, error) {
	mod, err := m.profile.Get(id)
	if err != nil {
		return nil, err
	}
	src, ref, err := m.sourceFor(mod)
	if err != nil {
		return nil, err
	}
	return src.ListVersions(ctx, ref)
}

// AddMod validates mod against its source and appends it to the profile.
func (m *Manager) AddMod(ctx context.Context, mod profile.Mod) ([]source.Version, error) {
	if err := mod.Validate(); err != nil {
		return nil, err
	}
	if mod.Target != "" {
		if _, err := layout.ParseTarget(mod.Target); err != nil {
			return nil, fmt.Errorf("%w: %v", profile.ErrInvalidMod, err)
		}
	}
	src, ref, err := m.sourceFor(mod)
	if err != nil {
		return nil, err
	}

	versions, err := src.ListVersions(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := source.ResolveVersion(versions, mod.WantedVersion()); err != nil {
		return nil, err
	}
	if mod.Name == "" && len(versions) > 0 {
		mod.Name = versions[0].Title
	}

	if err := m.profile.Add(mod); err != nil {
		return nil, err
	}
	return versions, nil
}

// RemoveMod drops a mod from the profile, optionally uninstalling its files first.
func (m *Manager) RemoveMod(ctx context.Context, id string, uninstall, force bool) (*installer.Result, error) {
	if _, err := m.profile.Get(id); err != nil {
		return nil, err
	}

	var res *installer.Result
	if uninstall {
		if err := m.guardMutation(ctx, force); err != nil {
			return nil, err
		}
		var err error
		if res, err = m.installer.Uninstall(ctx, id); err != nil {
			return res, err
		}
	}

	if err := m.profile.Remove(id); err != nil {
		return res, err
	}
	return res, nil
}

func (m *Manager) SetEnabled(id string, enabled bool) error {
	return m.profile.SetEnabled(id, enabled)
}

// SetVersion pins a mod to a version; "latest" or "" unpins it.
func (m *Manager) SetVersion(id, version string) error {
	return m.profile.SetVersion(id, version)
}

// ModStatus joins a profile entry with what is recorded on disk.
type ModStatus struct {
	Mod       profile.Mod
	InProfile bool
	Snapshot  *snapshot.Summary
}

// Status lists every profile mod and every installed mod no longer in the profile.
func (m *Manager) Status(ctx context.Context) ([]ModStatus, error) {
	mods, err := m.profile.List()
	if err != nil {
		return nil, err
	}
	summaries, err := m.snapshots.List(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]snapshot.Summary, len(summaries))
	for _, s := range summaries {
		byID[s.ModID] = s
	}

	out := make([]ModStatus, 0, len(mods)+len(summaries))
	for _, mod := range mods {
		st := ModStatus{Mod: mod, InProfile: true}
		if s, ok := byID[mod.ID]; ok {
			st.Snapshot = &s
			delete(byID, mod.ID)
		}
		out = append(out, st)
	}
	for _, s := range summaries {
		if _, ok := byID[s.ModID]; !ok {
			continue
		}
		out = append(out, ModStatus{Mod: profile.Mod{ID: s.ModID}, Snapshot: &s})
	}
	return out, nil
}

// UninstallAll removes the files of every installed mod. Mods keep their
// profile entries.
func (m *Manager) UninstallAll(ctx context.Context, force bool) ([]*installer.Result, error) {
	if err := m.guardMutation(ctx, force); err != nil {
		return nil, err
	}
	summaries, err := m.snapshots.List(ctx)
	if err != nil {
		return nil, err
	}

	var results []*installer.Result
	var errs []error
	for _, s := range summaries {
		res, err := m.installer.Uninstall(ctx, s.ModID)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			slog.Error("uninstall failed", "mod", s.ModID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.ModID, err))
		}
	}
	return results, errors.Join(errs...)
}

// Backup zips the mod directories of the game into dest, or the state
// backup directory when dest is empty.
func (m *Manager) Backup(ctx context.Context, dest string) (string, error) {
	if dest == "" {
		dest = m.cfg.BackupDir()
	}
	return backup.Create(ctx, m.cfg.GameDir, dest, m.now())
}

// Restore extracts a backup into the game directory.
func (m *Manager) Restore(ctx context.Context, path string, force bool) (int, error) {
	if err := m.guardMutation(ctx, force); err != nil {
		return 0, err
	}
	return backup.Restore(ctx, path, m.cfg.GameDir)
}

// CleanDownloadCache empties the archive cache and returns the bytes freed.
func (m *Manager) CleanDownloadCache() (int64, error) {
	return m.cache.Clean()
}
