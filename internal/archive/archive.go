// Package archive decodes fetched mod archives into staged, immutable file trees.
//
// Extracted bytes are written to a private scratch directory rather than held
// in memory. The scratch directory is removed when extraction fails and when
// the resulting FileTree is closed.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/modsync/internal/fingerprint"
)

var (
	ErrArchiveCorrupt    = errors.New("archive: corrupt or unsupported archive")
	ErrUnsafeArchivePath = errors.New("archive: unsafe entry path")
)

// maxExtractedSize bounds the total number of bytes one archive may expand to.
const maxExtractedSize int64 = 8 << 30

// Format is a supported container kind.
type Format string

const (
	FormatUnknown Format = ""
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarGz   Format = "tar.gz"
	Format7z      Format = "7z"
)

// Extract decodes data as the given format. FormatUnknown sniffs the format from the content.
func Extract(ctx context.Context, data []byte, format Format) (*FileTree, error) {
	if format == FormatUnknown {
		format = Sniff(data)
	}

	x, err := newExtractor()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	switch format {
	case FormatZip:
		err = x.zip(ctx, data)
	case FormatTar:
		err = x.tar(ctx, data, false)
	case FormatTarGz:
		err = x.tar(ctx, data, true)
	case Format7z:
		err = x.sevenZip(ctx, data)
	default:
		err = fmt.Errorf("%w: unrecognized format %q", ErrArchiveCorrupt, format)
	}
	if err != nil {
		x.scratch.release()
		return nil, err
	}

	slog.Debug("archive extracted",
		"format", format,
		"files", len(x.entries),
		"size", humanize.IBytes(uint64(x.total)),
		"took", time.Since(start))

	return &FileTree{entries: x.entries, scratch: x.scratch}, nil
}

type extractor struct {
	scratch *scratch
	entries map[string]FileEntry
	total   int64
	seq     int
}

func newExtractor() (*extractor, error) {
	dir, err := os.MkdirTemp("", "modsync-extract-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &extractor{
		scratch: &scratch{dir: dir},
		entries: make(map[string]FileEntry),
	}, nil
}

// add stages one regular file. name is the raw entry name from the container.
func (x *extractor) add(ctx context.Context, name string, mode fs.FileMode, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	relPath, err := CleanPath(name)
	if err != nil {
		return err
	}
	if relPath == "" {
		return nil
	}

	x.seq++
	staged := filepath.Join(x.scratch.dir, fmt.Sprintf("%06d", x.seq))
	f, err := os.OpenFile(staged, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("stage %s: %w", relPath, err)
	}

	remaining := maxExtractedSize - x.total
	fw := fingerprint.NewWriter(f)
	n, err := io.Copy(fw, io.LimitReader(r, remaining+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: read entry %q: %v", ErrArchiveCorrupt, name, err)
	}
	if n > remaining {
		return fmt.Errorf("%w: archive expands beyond %s", ErrArchiveCorrupt, humanize.IBytes(uint64(maxExtractedSize)))
	}
	x.total += n

	digest, size := fw.Sum()
	x.entries[relPath] = FileEntry{
		Path:        relPath,
		Fingerprint: digest,
		Size:        size,
		Mode:        normalizeMode(mode),
		staged:      staged,
	}
	return nil
}

// normalizeMode keeps only the executable bit of the archived permissions.
func normalizeMode(mode fs.FileMode) fs.FileMode {
	if mode.Perm()&0o111 != 0 {
		return 0o755
	}
	return 0o644
}
