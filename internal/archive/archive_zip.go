package archive

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"

	"github.com/klauspost/compress/zip"
)

func (x *extractor) zip(ctx context.Context, data []byte) error {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: zip: %v", ErrArchiveCorrupt, err)
	}

	// reject the whole archive before staging anything if any name is unsafe
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
			return fmt.Errorf("%w: zip open %q: %v", ErrArchiveCorrupt, f.Name, err)
		}
		err = x.add(ctx, f.Name, f.Mode(), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
