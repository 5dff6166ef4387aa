// Package fingerprint computes the content digests used for change detection.
// The same digest is used for files on disk and files extracted from archives,
// so equality between the two is meaningful.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// Digest is a lowercase hex encoded sha256 sum.
type Digest string

// Size of a Digest in characters.
const Size = sha256.Size * 2

var ErrInvalidDigest = errors.New("fingerprint: invalid digest")

func (d Digest) String() string {
	return string(d)
}

// Short returns the first 12 characters, for log output.
func (d Digest) Short() string {
	if len(d) < 12 {
		return string(d)
	}
	return string(d[:12])
}

// Of fingerprints a byte slice.
func Of(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(hex.EncodeToString(sum[:]))
}

// Reader fingerprints everything read from r and returns the number of bytes consumed.
func Reader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return fromHash(h), n, nil
}

// File fingerprints a file on disk. A missing file returns an error matching os.ErrNotExist.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	d, _, err := Reader(f)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return d, nil
}

// Parse validates a persisted digest string.
func Parse(s string) (Digest, error) {
	if len(s) != Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: %q", ErrInvalidDigest, s)
		}
	}
	return Digest(s), nil
}

// Writer tees written bytes into a running digest.
type Writer struct {
	w io.Writer
	h hash.Hash
	n int64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, h: sha256.New()}
}

func (fw *Writer) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.h.Write(p[:n])
	fw.n += int64(n)
	return n, err
}

// Sum returns the digest and byte count of everything written so far.
func (fw *Writer) Sum() (Digest, int64) {
	return fromHash(fw.h), fw.n
}

func fromHash(h hash.Hash) Digest {
	return Digest(hex.EncodeToString(h.Sum(nil)))
}
