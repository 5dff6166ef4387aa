package archive

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"

	"github.com/bodgit/sevenzip"
)

func (x *extractor) sevenZip(ctx context.Context, data []byte) error {
	r, err := sevenzip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: 7z: %v", ErrArchiveCorrupt, err)
	}

	for _, f := range r.File {
		if f.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %q is a symlink", ErrUnsafeArchivePath, f.Name)
		}
		if _, err := CleanPath(f.Name); err != nil {
			return err
		}
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: 7z open %q: %v", ErrArchiveCorrupt, f.Name, err)
		}
		err = x.add(ctx, f.Name, f.Mode(), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
