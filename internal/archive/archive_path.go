package archive

import (
	"fmt"
	"path"
	"strings"
)

// CleanPath normalizes an archive entry name to a forward-slash relative path.
// It returns "" for names that denote the root itself, and ErrUnsafeArchivePath
// for absolute paths, drive-letter paths and paths escaping the root.
func CleanPath(name string) (string, error) {
	p := strings.ReplaceAll(name, "\\", "/")

	if strings.HasPrefix(p, "/") || hasDriveLetter(p) {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafeArchivePath, name)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrUnsafeArchivePath, name)
	}

	p = path.Clean(p)
	if p == "." {
		return "", nil
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%w: %q escapes the extraction root", ErrUnsafeArchivePath, name)
	}
	return p, nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
