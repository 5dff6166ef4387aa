package modsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/modsync/internal/archive"
	"github.com/openmined/modsync/internal/layout"
	"github.com/openmined/modsync/internal/modcache"
	"github.com/openmined/modsync/internal/profile"
	"github.com/openmined/modsync/internal/source"
	"golang.org/x/sync/errgroup"
)

type SyncOptions struct {
	// ModIDs limits the sync to these mods. Empty means every enabled mod.
	ModIDs []string
	// Force reinstalls up-to-date mods, allows explicitly named disabled
	// mods and skips the running-game check.
	Force bool
	// DryRun computes change sets without touching the game directory.
	DryRun bool
}

// Sync brings the selected mods in line with the profile. Mods are processed
// concurrently and independently: a failing mod is reported in its Result
// and never stops the others. The returned error is only set when the sync
// could not start.
func (m *Manager) Sync(ctx context.Context, opts SyncOptions) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), StartedAt: m.now()}

	if !opts.DryRun {
		if err := m.guardMutation(ctx, opts.Force); err != nil {
			return nil, err
		}
	}

	mods, results, err := m.selectMods(opts)
	if err != nil {
		return nil, err
	}

	slog.Info("sync started", "run", report.RunID, "mods", len(mods), "force", opts.Force, "dryRun", opts.DryRun)

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, mod := range mods {
		if results[i] != nil {
			continue
		}
		g.Go(func() error {
			results[i] = m.syncMod(ctx, mod, opts)
			return nil
		})
	}
	g.Wait()

	report.Results = results
	report.Duration = time.Since(report.StartedAt)

	slog.Info("sync finished",
		"run", report.RunID,
		"installed", report.Count(StatusInstalled),
		"upToDate", report.Count(StatusUpToDate),
		"failed", report.Count(StatusFailed),
		"took", report.Duration,
	)
	return report, nil
}

// selectMods picks the mods to sync. Mods that are skipped get a result up
// front; the others have a nil entry.
func (m *Manager) selectMods(opts SyncOptions) ([]profile.Mod, []*Result, error) {
	all, err := m.profile.List()
	if err != nil {
		return nil, nil, err
	}

	var mods []profile.Mod
	var results []*Result

	if len(opts.ModIDs) == 0 {
		for _, mod := range all {
			if mod.IsEnabled() {
				mods = append(mods, mod)
				results = append(results, nil)
			}
		}
		return mods, results, nil
	}

	byID := make(map[string]profile.Mod, len(all))
	for _, mod := range all {
		byID[mod.ID] = mod
	}
	seen := make(map[string]bool, len(opts.ModIDs))
	for _, id := range opts.ModIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		mod, ok := byID[id]
		switch {
		case !ok:
			mods = append(mods, profile.Mod{ID: id})
			results = append(results, (&Result{ModID: id}).fail(fmt.Errorf("%w: %s", profile.ErrModNotFound, id)))
		case !mod.IsEnabled() && !opts.Force:
			mods = append(mods, mod)
			results = append(results, &Result{ModID: id, Name: mod.DisplayName(), Status: StatusDisabled})
		default:
			mods = append(mods, mod)
			results = append(results, nil)
		}
	}
	return mods, results, nil
}

func (m *Manager) syncMod(ctx context.Context, mod profile.Mod, opts SyncOptions) *Result {
	res := &Result{ModID: mod.ID, Name: mod.DisplayName()}
	log := slog.With("mod", mod.ID)

	src, ref, err := m.sourceFor(mod)
	if err != nil {
		return res.fail(err)
	}

	versions, err := src.ListVersions(ctx, ref)
	if err != nil {
		log.Error("list versions failed", "error", err)
		return res.fail(err)
	}
	version, err := source.ResolveVersion(versions, mod.WantedVersion())
	if err != nil {
		log.Error("resolve version failed", "wanted", mod.WantedVersion(), "error", err)
		return res.fail(err)
	}
	res.Version = version.ID

	if !opts.Force && mod.InstalledVersion == version.ID {
		snap, err := m.snapshots.Load(ctx, mod.ID)
		if err != nil {
			return res.fail(err)
		}
		if snap != nil {
			log.Debug("mod up to date", "version", version.ID)
			res.Status = StatusUpToDate
			return res
		}
	}

	key := modcache.Key{Kind: string(src.Kind()), ModID: mod.ID, Version: version.ID}
	entry, hit, err := m.cache.Fetch(ctx, key, func(ctx context.Context) (string, []byte, error) {
		arc, err := src.FetchArchive(ctx, ref, version.ID)
		if err != nil {
			return "", nil, err
		}
		return arc.Name, arc.Data, nil
	})
	if err != nil {
		log.Error("fetch failed", "version", version.ID, "error", err)
		return res.fail(err)
	}
	res.CacheHit = hit

	tree, err := archive.Extract(ctx, entry.Data, archive.FormatFromName(entry.Manifest.File))
	if err != nil {
		if errors.Is(err, archive.ErrArchiveCorrupt) {
			// a corrupt download must not be served again
			if rerr := m.cache.Remove(key); rerr != nil {
				log.Warn("drop cached archive failed", "error", rerr)
			}
		}
		log.Error("extract failed", "version", version.ID, "error", err)
		return res.fail(err)
	}
	defer tree.Close()

	targetName := mod.Target
	if targetName == "" {
		targetName = m.cfg.Target
	}
	target, err := layout.ParseTarget(targetName)
	if err != nil {
		return res.fail(err)
	}
	laid, err := layout.Apply(tree, layout.Options{
		Target:      target,
		InstallPath: mod.InstallPath,
		Ignore:      m.ignore,
	})
	if err != nil {
		log.Error("layout failed", "version", version.ID, "error", err)
		return res.fail(err)
	}

	if opts.DryRun {
		plan, err := m.installer.Plan(ctx, mod.ID, version.ID, laid)
		if err != nil {
			return res.fail(err)
		}
		res.apply(plan)
		res.Status = StatusPlanned
		return res
	}

	installed, err := m.installer.Install(ctx, mod.ID, version.ID, laid)
	res.apply(installed)
	if err != nil {
		log.Error("install failed", "version", version.ID, "error", err)
		return res.fail(err)
	}
	res.Status = StatusInstalled
	return res
}
