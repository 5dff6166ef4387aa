package modsync

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openmined/modsync/internal/config"
	"github.com/openmined/modsync/internal/profile"
	"github.com/openmined/modsync/internal/snapshot"
	"github.com/openmined/modsync/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	versions map[string][]source.Version
	archives map[string][]byte
	fetches  int
	failRef  string
}

func newFakeSource() *fakeSource {
	return &fakeSource{versions: map[string][]source.Version{}, archives: map[string][]byte{}}
}

func (f *fakeSource) Kind() source.Kind {
	return source.KindGitHub
}

func (f *fakeSource) publish(t *testing.T, locator, version string, files map[string]string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[locator] = append(f.versions[locator], source.Version{ID: version, Name: version, Title: "Title of " + locator})
	f.archives[locator+"@"+version] = zipBytes(t, files)
}

func (f *fakeSource) ListVersions(_ context.Context, ref source.Ref) ([]source.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref.Locator == f.failRef {
		return nil, &source.FetchError{Source: source.KindGitHub, Ref: ref.Locator, Op: "list", Err: source.ErrSourceUnreachable}
	}
	vs, ok := f.versions[ref.Locator]
	if !ok {
		return nil, &source.FetchError{Source: source.KindGitHub, Ref: ref.Locator, Op: "list", Err: source.ErrModOrVersionNotFound}
	}
	out := append([]source.Version(nil), vs...)
	source.SortNewestFirst(out)
	return out, nil
}

func (f *fakeSource) FetchArchive(_ context.Context, ref source.Ref, versionID string) (*source.Archive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	data, ok := f.archives[ref.Locator+"@"+versionID]
	if !ok {
		return nil, source.ErrModOrVersionNotFound
	}
	return &source.Archive{Name: versionID + ".zip", Data: data}, nil
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type env struct {
	game    string
	cfg     *config.Config
	src     *fakeSource
	mgr     *Manager
	running []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := t.TempDir()
	game := filepath.Join(base, "game")
	require.NoError(t, os.MkdirAll(game, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(game, "SPT.Server.exe"), []byte("exe"), 0o644))

	cfg := &config.Config{
		GameDir:        game,
		StateDir:       filepath.Join(base, "state"),
		CacheDir:       filepath.Join(base, "cache"),
		Concurrency:    2,
		CheckGameDir:   true,
		GuardProcesses: []string{"EscapeFromTarkov.exe"},
	}
	require.NoError(t, cfg.Validate())

	e := &env{game: game, cfg: cfg, src: newFakeSource()}
	mgr, err := New(context.Background(), cfg, Options{
		Sources: source.NewRegistryWith(e.src),
		ProcessNames: func(context.Context) ([]string, error) {
			return e.running, nil
		},
		Now: func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	e.mgr = mgr
	return e
}

func (e *env) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.game, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (e *env) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(e.game, filepath.FromSlash(rel)))
	return err == nil
}

func resultFor(t *testing.T, r *Report, id string) *Result {
	t.Helper()
	for _, res := range r.Results {
		if res.ModID == id {
			return res
		}
	}
	t.Fatalf("no result for %s", id)
	return nil
}

func TestSync_InstallUpdateAndUpToDate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.src.publish(t, "acme/sain", "v1.0.0", map[string]string{
		"SAIN/BepInEx/plugins/SAIN/SAIN.dll": "v1",
		"SAIN/BepInEx/plugins/SAIN/Old.dll":  "old",
		"SAIN/README.md":                     "readme",
	})
	_, err := e.mgr.AddMod(ctx, profile.Mod{ID: "sain", Source: "github", Ref: "acme/sain"})
	require.NoError(t, err)

	mod, err := e.mgr.Profile().Get("sain")
	require.NoError(t, err)
	assert.Equal(t, "Title of acme/sain", mod.Name)

	report, err := e.mgr.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	require.NoError(t, report.Err())
	res := resultFor(t, report, "sain")
	assert.Equal(t, StatusInstalled, res.Status)
	assert.Equal(t, "v1.0.0", res.Version)
	assert.Equal(t, "v1", e.read(t, "BepInEx/plugins/SAIN/SAIN.dll"))
	assert.False(t, e.exists("README.md"))

	report, err = e.mgr.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusUpToDate, resultFor(t, report, "sain").Status)

	e.src.publish(t, "acme/sain", "v1.1.0", map[string]string{
		"SAIN/BepInEx/plugins/SAIN/SAIN.dll": "v2",
	})
	report, err = e.mgr.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	res = resultFor(t, report, "sain")
	require.NoError(t, res.Err)
	assert.Equal(t, "v1.1.0", res.Version)
	assert.Equal(t, []string{"BepInEx/plugins/SAIN/SAIN.dll"}, res.Changes.Updated)
	assert.Equal(t, []string{"BepInEx/plugins/SAIN/Old.dll"}, res.Changes.Removed)
	assert.False(t, e.exists("BepInEx/plugins/SAIN/Old.dll"))

	mod, err = e.mgr.Profile().Get("sain")
	require.NoError(t, err)
	assert.Equal(t, "v1.1.0", mod.InstalledVersion)
}

func TestSync_PinnedVersionUsesCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.src.publish(t, "acme/mod", "1.0.0", map[string]string{"BepInEx/plugins/Mod.dll": "one"})
	e.src.publish(t, "acme/mod", "2.0.0", map[string]string{"BepInEx/plugins/Mod.dll": "two"})
	_, err := e.mgr.AddMod(ctx, profile.Mod{ID: "mod", Source: "github", Ref: "acme/mod", Version: "1.0.0"})
	require.NoError(t, err)

	report, err := e.mgr.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", resultFor(t, report, "mod").Version)
	assert.Equal(t, "one", e.read(t, "BepInEx/plugins/Mod.dll"))

	report, err = e.mgr.Sync(ctx, SyncOptions{Force: true})
	require.NoError(t, err)
	res := resultFor(t, report, "mod")
	assert.Equal(t, StatusInstalled, res.Status)
	assert.True(t, res.CacheHit)
	assert.True(t, res.Changes.Empty())
	assert.Equal(t, 1, e.src.fetches)
}

func TestSync_FailuresAreIsolated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.src.publish(t, "acme/good", "1.0.0", map[string]string{"BepInEx/plugins/Good.dll": "good"})
	e.src.publish(t, "acme/flaky", "1.0.0", map[string]string{"BepInEx/plugins/Flaky.dll": "flaky"})
	e.src.publish(t, "acme/docs", "1.0.0", map[string]string{"docs/manual.pdf": "pdf"})
	for _, id := range []string{"good", "flaky", "docs"} {
		_, err := e.mgr.AddMod(ctx, profile.Mod{ID: id, Source: "github", Ref: "acme/" + id})
		require.NoError(t, err)
	}
	e.src.failRef = "acme/flaky"

	report, err := e.mgr.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Equal(t, StatusInstalled, resultFor(t, report, "good").Status)

	flaky := resultFor(t, report, "flaky")
	assert.Equal(t, StatusFailed, flaky.Status)
	assert.ErrorIs(t, flaky.Err, source.ErrSourceUnreachable)
	assert.True(t, source.IsRetryable(flaky.Err))

	docs := resultFor(t, report, "docs")
	assert.Equal(t, StatusFailed, docs.Status)
	assert.Error(t, docs.Err)

	assert.Error(t, report.Err())
	assert.Equal(t, 2, report.Count(StatusFailed))
	assert.True(t, e.exists("BepInEx/plugins/Good.dll"))
}

func TestSync_Selection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.src.publish(t, "acme/a", "1", map[string]string{"BepInEx/plugins/A.dll": "a"})
	e.src.publish(t, "acme/b", "1", map[string]string{"BepInEx/plugins/B.dll": "b"})
	_, err := e.mgr.AddMod(ctx, profile.Mod{ID: "a", Source: "github", Ref: "acme/a"})
	require.NoError(t, err)
	_, err = e.mgr.AddMod(ctx, profile.Mod{ID: "b", Source: "github", Ref: "acme/b"})
	require.NoError(t, err)
	require.NoError(t, e.mgr.SetEnabled("b", false))

	report, err := e.mgr.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "a", report.Results[0].ModID)

	report, err = e.mgr.Sync(ctx, SyncOptions{ModIDs: []string{"b", "missing"}})
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, resultFor(t, report, "b").Status)
	assert.ErrorIs(t, resultFor(t, report, "missing").Err, profile.ErrModNotFound)
	assert.False(t, e.exists("BepInEx/plugins/B.dll"))

	report, err = e.mgr.Sync(ctx, SyncOptions{ModIDs: []string{"b"}, Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusInstalled, resultFor(t, report, "b").Status)
	assert.True(t, e.exists("BepInEx/plugins/B.dll"))
}

func TestSync_DryRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.src.publish(t, "acme/mod", "1", map[string]string{"BepInEx/plugins/Mod.dll": "x"})
	_, err := e.mgr.AddMod(ctx, profile.Mod{ID: "mod", Source: "github", Ref: "acme/mod"})
	require.NoError(t, err)

	e.running = []string{"EscapeFromTarkov.exe"}
	report, err := e.mgr.Sync(ctx, SyncOptions{DryRun: true})
	require.NoError(t, err)
	res := resultFor(t, report, "mod")
	assert.Equal(t, StatusPlanned, res.Status)
	assert.Equal(t, []string{"BepInEx/plugins/Mod.dll"}, res.Changes.Added)
	assert.False(t, e.exists("BepInEx/plugins/Mod.dll"))
}

func TestSync_Guards(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.running = []string{"explorer.exe", "escapefromtarkov.exe"}
	_, err := e.mgr.Sync(ctx, SyncOptions{})
	assert.ErrorIs(t, err, ErrGameRunning)

	_, err = e.mgr.Sync(ctx, SyncOptions{Force: true})
	assert.NoError(t, err)

	e.running = nil
	require.NoError(t, os.Remove(filepath.Join(e.game, "SPT.Server.exe")))
	_, err = e.mgr.Sync(ctx, SyncOptions{})
	assert.ErrorIs(t, err, ErrNotGameDir)

	require.NoError(t, os.WriteFile(filepath.Join(e.game, "Aki.Server.exe"), nil, 0o644))
	_, err = e.mgr.Sync(ctx, SyncOptions{})
	assert.NoError(t, err)
}

func TestAddMod_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.mgr.AddMod(ctx, profile.Mod{ID: "x", Source: "nexus", Ref: "whatever"})
	assert.ErrorIs(t, err, source.ErrUnknownSource)

	_, err = e.mgr.AddMod(ctx, profile.Mod{ID: "x", Source: "github", Ref: "acme/unknown"})
	assert.ErrorIs(t, err, source.ErrModOrVersionNotFound)

	e.src.publish(t, "acme/x", "1.0.0", map[string]string{"BepInEx/plugins/X.dll": "x"})
	_, err = e.mgr.AddMod(ctx, profile.Mod{ID: "x", Source: "github", Ref: "acme/x", Version: "9.9.9"})
	assert.ErrorIs(t, err, source.ErrModOrVersionNotFound)

	_, err = e.mgr.AddMod(ctx, profile.Mod{ID: "x", Source: "github", Ref: "acme/x", Target: "both"})
	assert.ErrorIs(t, err, profile.ErrInvalidMod)

	versions, err := e.mgr.AddMod(ctx, profile.Mod{ID: "x", Source: "github", Ref: "acme/x"})
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	_, err = e.mgr.AddMod(ctx, profile.Mod{ID: "x", Source: "github", Ref: "acme/x"})
	assert.ErrorIs(t, err, profile.ErrModExists)

	versions, err = e.mgr.Versions(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", versions[0].ID)
}

func TestRemoveStatusAndUninstallAll(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.src.publish(t, "acme/a", "1", map[string]string{"BepInEx/plugins/A.dll": "a"})
	e.src.publish(t, "acme/b", "1", map[string]string{"user/mods/B/mod.js": "b"})
	for _, id := range []string{"a", "b"} {
		_, err := e.mgr.AddMod(ctx, profile.Mod{ID: id, Source: "github", Ref: "acme/" + id})
		require.NoError(t, err)
	}
	report, err := e.mgr.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	require.NoError(t, report.Err())

	// removing without uninstall leaves files and the snapshot behind
	_, err = e.mgr.RemoveMod(ctx, "b", false, false)
	require.NoError(t, err)
	assert.True(t, e.exists("user/mods/B/mod.js"))

	statuses, err := e.mgr.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Mod.ID)
	assert.True(t, statuses[0].InProfile)
	require.NotNil(t, statuses[0].Snapshot)
	assert.Equal(t, 1, statuses[0].Snapshot.FileCount)
	assert.Equal(t, "b", statuses[1].Mod.ID)
	assert.False(t, statuses[1].InProfile)

	res, err := e.mgr.RemoveMod(ctx, "a", true, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"BepInEx/plugins/A.dll"}, res.Changes.Removed)
	assert.False(t, e.exists("BepInEx/plugins/A.dll"))
	_, err = e.mgr.Profile().Get("a")
	assert.ErrorIs(t, err, profile.ErrModNotFound)

	_, err = e.mgr.RemoveMod(ctx, "a", true, false)
	assert.ErrorIs(t, err, profile.ErrModNotFound)

	results, err := e.mgr.UninstallAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, e.exists("user/mods/B/mod.js"))

	statuses, err = e.mgr.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestClearGameCache(t *testing.T) {
	e := newEnv(t)
	for _, rel := range []string{"BepInEx/cache/a.dat", "BepInEx/cache/sub/b.dat", "user/cache/c.json"} {
		p := filepath.Join(e.game, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	n, err := e.mgr.ClearGameCache(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, e.exists("BepInEx/cache"))
	assert.False(t, e.exists("BepInEx/cache/a.dat"))
	assert.False(t, e.exists("user/cache/c.json"))

	e.running = []string{"EscapeFromTarkov.exe"}
	_, err = e.mgr.ClearGameCache(context.Background(), false)
	assert.True(t, errors.Is(err, ErrGameRunning))
}

func TestBackupAndRestore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p := filepath.Join(e.game, "BepInEx", "config", "mod.cfg")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("original"), 0o644))

	path, err := e.mgr.Backup(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.cfg.BackupDir(), "backup_2024-06-01T12-00-00Z.zip"), path)

	require.NoError(t, os.WriteFile(p, []byte("broken"), 0o644))
	n, err := e.mgr.Restore(ctx, path, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "original", e.read(t, "BepInEx/config/mod.cfg"))
}

func TestNew_CorruptSnapshotsNeedExplicitReset(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.mgr.Close())
	require.NoError(t, os.WriteFile(e.cfg.SnapshotDBPath(), bytes.Repeat([]byte("garbage!"), 512), 0o644))

	opts := Options{Sources: source.NewRegistryWith(e.src)}
	_, err := New(context.Background(), e.cfg, opts)
	require.ErrorIs(t, err, snapshot.ErrSnapshotCorrupt)

	opts.ResetCorruptSnapshots = true
	mgr, err := New(context.Background(), e.cfg, opts)
	require.NoError(t, err)
	defer mgr.Close()

	backups, err := filepath.Glob(e.cfg.SnapshotDBPath() + ".*.bak")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	statuses, err := mgr.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, statuses)
}
