package layout

import (
	"bufio"
	"log/slog"
	"os"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

var defaultIgnoreLines = []string{
	// OS metadata
	"__MACOSX/",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	// shortcuts shipped by mod authors
	"*.url",
}

type IgnoreList struct {
	ignore *gitignore.GitIgnore
}

func DefaultIgnoreList() *IgnoreList {
	return NewIgnoreList()
}

// NewIgnoreList compiles the default junk rules plus extra gitignore lines.
func NewIgnoreList(extra ...string) *IgnoreList {
	lines := append(append([]string{}, defaultIgnoreLines...), extra...)
	return &IgnoreList{ignore: gitignore.CompileIgnoreLines(lines...)}
}

// LoadIgnoreFile reads extra rules from a gitignore style file. A missing file
// yields the default list.
func LoadIgnoreFile(path string) *IgnoreList {
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to open ignore file", "path", path, "error", err)
		}
		return DefaultIgnoreList()
	}
	defer file.Close()

	var extra []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			extra = append(extra, line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("error reading ignore file", "path", path, "error", err)
	} else {
		slog.Debug("loaded ignore file", "path", path, "rules", len(extra))
	}
	return NewIgnoreList(extra...)
}

func (l *IgnoreList) ShouldIgnore(path string) bool {
	return l.ignore.MatchesPath(path)
}
