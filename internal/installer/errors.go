package installer

import (
	"errors"
	"fmt"
	"strings"
)

var ErrFilesystemIO = errors.New("installer: filesystem error")

// FileError is one failed filesystem operation.
type FileError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// ApplyError collects every file operation that failed while applying a
// change set. The snapshot is left untouched when it is returned.
type ApplyError struct {
	ModID  string
	Errors []*FileError
}

func (e *ApplyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "apply %s: %d file operation(s) failed", e.ModID, len(e.Errors))
	for i, fe := range e.Errors {
		if i == 5 {
			fmt.Fprintf(&b, "; and %d more", len(e.Errors)-i)
			break
		}
		fmt.Fprintf(&b, "; %v", fe)
	}
	return b.String()
}

func (e *ApplyError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors)+1)
	errs = append(errs, ErrFilesystemIO)
	for _, fe := range e.Errors {
		errs = append(errs, fe)
	}
	return errs
}

// Paths lists the paths that failed.
func (e *ApplyError) Paths() []string {
	paths := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		paths = append(paths, fe.Path)
	}
	return paths
}
