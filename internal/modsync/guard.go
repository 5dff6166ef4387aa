package modsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/modsync/internal/utils"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	ErrGameRunning = errors.New("modsync: game is running")
	ErrNotGameDir  = errors.New("modsync: not an SPT game directory")
)

// gameMarkers are files of which at least one exists in an SPT install root.
var gameMarkers = []string{"SPT.Server.exe", "Aki.Server.exe"}

// gameCacheDirs are cleared by ClearGameCache.
var gameCacheDirs = []string{"BepInEx/cache", "user/cache"}

// ProcessNames lists the names of running processes.
type ProcessNames func(ctx context.Context) ([]string, error)

func systemProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// processes exit while we look at them
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func checkGameDir(dir string) error {
	for _, m := range gameMarkers {
		if utils.FileExists(filepath.Join(dir, m)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s has none of %s", ErrNotGameDir, dir, strings.Join(gameMarkers, ", "))
}

// checkNotRunning fails when a guarded process is running.
func (m *Manager) checkNotRunning(ctx context.Context) error {
	if len(m.cfg.GuardProcesses) == 0 {
		return nil
	}
	names, err := m.processNames(ctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	for _, running := range names {
		for _, guarded := range m.cfg.GuardProcesses {
			if strings.EqualFold(running, guarded) {
				return fmt.Errorf("%w: %s", ErrGameRunning, running)
			}
		}
	}
	return nil
}

// guardMutation runs the checks required before touching the game directory.
func (m *Manager) guardMutation(ctx context.Context, force bool) error {
	if m.cfg.CheckGameDir {
		if err := checkGameDir(m.cfg.GameDir); err != nil {
			return err
		}
	}
	if force {
		return nil
	}
	return m.checkNotRunning(ctx)
}

// ClearGameCache deletes the contents of the BepInEx and server cache
// directories. The game rebuilds them on the next start.
func (m *Manager) ClearGameCache(ctx context.Context, force bool) (int, error) {
	if err := m.guardMutation(ctx, force); err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, d := range gameCacheDirs {
		dir := filepath.Join(m.cfg.GameDir, filepath.FromSlash(d))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
