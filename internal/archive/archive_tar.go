package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

func (x *extractor) tar(ctx context.Context, data []byte, gzipped bool) error {
	var src io.Reader = bytes.NewReader(data)
	if gzipped {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return fmt.Errorf("%w: gzip: %v", ErrArchiveCorrupt, err)
		}
		defer gz.Close()
		src = gz
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: tar: %v", ErrArchiveCorrupt, err)
		}

		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: %q is a link", ErrUnsafeArchivePath, hdr.Name)
		case tar.TypeDir:
			if _, err := CleanPath(hdr.Name); err != nil {
				return err
			}
			continue
		}

		if !hdr.FileInfo().Mode().IsRegular() {
			continue
		}
		if err := x.add(ctx, hdr.Name, hdr.FileInfo().Mode(), tr); err != nil {
			return err
		}
	}
}
