// Package layout maps the files of an extracted mod archive onto the paths
// they are installed at inside the game directory.
package layout

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/modsync/internal/archive"
)

var ErrNoInstallableFiles = errors.New("layout: archive has no installable files")

// Target selects which part of an SPT install a sync writes to.
type Target string

const (
	TargetClient Target = "client"
	TargetServer Target = "server"
)

// target patterns, matched against lowercased paths
var targetPatterns = map[Target][]string{
	TargetClient: {"bepinex/**", "user/**"},
	TargetServer: {"user/**"},
}

// top-level directories that are part of the game layout and never stripped
var gameRoots = map[string]bool{
	"bepinex": true,
	"user":    true,
}

func ParseTarget(s string) (Target, error) {
	switch t := Target(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TargetClient, nil
	case TargetClient, TargetServer:
		return t, nil
	default:
		return "", fmt.Errorf("unknown install target %q", s)
	}
}

type Options struct {
	Target Target
	// InstallPath places the whole tree under this game-relative directory
	// and disables target filtering.
	InstallPath string
	// Ignore drops junk entries. Defaults to DefaultIgnoreList.
	Ignore *IgnoreList
}

// Apply returns the derived tree to install. The result shares staged data
// with tree.
func Apply(tree *archive.FileTree, opts Options) (*archive.FileTree, error) {
	ignore := opts.Ignore
	if ignore == nil {
		ignore = DefaultIgnoreList()
	}

	out := tree.Filter(func(p string) bool {
		return !ignore.ShouldIgnore(p)
	})

	if prefix := wrapperDir(out.Paths()); prefix != "" {
		slog.Debug("layout stripping wrapper directory", "dir", prefix)
		out = out.Remap(func(p string) (string, bool) {
			return strings.TrimPrefix(p, prefix+"/"), true
		})
	}

	if opts.InstallPath != "" {
		base, err := archive.CleanPath(opts.InstallPath)
		if err != nil || base == "" {
			return nil, fmt.Errorf("invalid install path %q: %w", opts.InstallPath, archive.ErrUnsafeArchivePath)
		}
		out = out.Remap(func(p string) (string, bool) {
			return path.Join(base, p), true
		})
	} else {
		target := opts.Target
		if target == "" {
			target = TargetClient
		}
		patterns, ok := targetPatterns[target]
		if !ok {
			return nil, fmt.Errorf("unknown install target %q", target)
		}
		out = out.Filter(func(p string) bool {
			return matchAny(patterns, strings.ToLower(p))
		})
	}

	if out.Len() == 0 {
		return nil, ErrNoInstallableFiles
	}
	return out, nil
}

// wrapperDir returns the single top-level directory shared by every path,
// unless it is a game directory or some file sits at the top level.
func wrapperDir(paths []string) string {
	var top string
	for _, p := range paths {
		dir, _, ok := strings.Cut(p, "/")
		if !ok {
			return ""
		}
		if top == "" {
			top = dir
		} else if dir != top {
			return ""
		}
	}
	if top == "" || gameRoots[strings.ToLower(top)] {
		return ""
	}
	return top
}

func matchAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}
