// Package backup zips the mod directories of a game install and restores them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"github.com/openmined/modsync/internal/archive"
	"github.com/openmined/modsync/internal/utils"
)

const (
	filePrefix = "backup_"
	timeLayout = "2006-01-02T15-04-05Z"
	fileSuffix = ".zip"
)

// Dirs are the game-relative directories a backup covers.
var Dirs = []string{
	"BepInEx/plugins",
	"BepInEx/config",
	"user/mods",
}

var ErrNothingToBackup = errors.New("backup: no mod directories found")

// Info describes one backup file.
type Info struct {
	Path      string
	Size      int64
	CreatedAt time.Time
}

// Create writes backup_<timestamp>.zip into destDir and returns its path.
func Create(ctx context.Context, gameDir, destDir string, now time.Time) (string, error) {
	var found bool
	for _, d := range Dirs {
		if utils.DirExists(filepath.Join(gameDir, filepath.FromSlash(d))) {
			found = true
			break
		}
	}
	if !found {
		return "", ErrNothingToBackup
	}

	if err := utils.EnsureDir(destDir); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := filePrefix + now.UTC().Format(timeLayout) + fileSuffix
	dst := filepath.Join(destDir, name)

	tmp, err := os.CreateTemp(destDir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	count, err := writeZip(ctx, tmp, gameDir)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("finalize backup: %w", err)
	}

	if info, err := os.Stat(dst); err == nil {
		slog.Info("backup created", "path", dst, "files", count, "size", humanize.Bytes(uint64(info.Size())))
	}
	return dst, nil
}

func writeZip(ctx context.Context, w io.Writer, gameDir string) (int, error) {
	zw := zip.NewWriter(w)
	count := 0

	for _, d := range Dirs {
		base := filepath.Join(gameDir, filepath.FromSlash(d))
		if !utils.DirExists(base) {
			continue
		}
		err := filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !entry.Type().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(gameDir, path)
			if err != nil {
				return err
			}
			info, err := entry.Info()
			if err != nil {
				return err
			}

			hdr, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			hdr.Method = zip.Deflate

			out, err := zw.CreateHeader(hdr)
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(out, f)
			f.Close()
			if err != nil {
				return err
			}
			count++
			return nil
		})
		if err != nil {
			zw.Close()
			return count, err
		}
	}
	return count, zw.Close()
}

// Restore extracts a backup into gameDir, replacing files it contains. Entries
// go through the archive reader, so unsafe paths abort before anything is written.
func Restore(ctx context.Context, backupPath, gameDir string) (int, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return 0, fmt.Errorf("read backup: %w", err)
	}

	tree, err := archive.Extract(ctx, data, archive.FormatFromName(backupPath))
	if err != nil {
		return 0, fmt.Errorf("open backup %s: %w", filepath.Base(backupPath), err)
	}
	defer tree.Close()

	restored := 0
	for _, e := range tree.Entries() {
		dst := filepath.Join(gameDir, filepath.FromSlash(e.Path))
		if !utils.IsWithin(gameDir, dst) {
			return restored, fmt.Errorf("%w: %s", archive.ErrUnsafeArchivePath, e.Path)
		}
		if err := restoreEntry(e, dst); err != nil {
			return restored, fmt.Errorf("restore %s: %w", e.Path, err)
		}
		restored++
	}

	slog.Info("backup restored", "path", backupPath, "files", restored)
	return restored, nil
}

func restoreEntry(e archive.FileEntry, dst string) error {
	r, err := e.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(dst, data, e.Mode.Perm())
}

// List returns the backups in dir, newest first.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ts, err := time.Parse(timeLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Path: filepath.Join(dir, name), Size: info.Size(), CreatedAt: ts})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
