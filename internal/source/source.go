// Package source fetches mod version listings and archives from remote sources.
//
// The set of sources is closed: GitHub releases, the SPT hub and an S3
// compatible mirror. Each variant implements Source and is selected by Kind.
package source

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind tags a source variant.
type Kind string

const (
	KindGitHub Kind = "github"
	KindSPTHub Kind = "spthub"
	KindS3     Kind = "s3"
)

// Kinds lists every supported variant.
var Kinds = []Kind{KindGitHub, KindSPTHub, KindS3}

// ParseKind validates a source name from the profile.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindGitHub, KindSPTHub, KindS3:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
	}
}

// Ref locates a mod within one source.
type Ref struct {
	ModID string
	// Locator is source specific: owner/repo or a repo URL for GitHub, a file
	// URL for the SPT hub, a key prefix for S3.
	Locator string
	// AssetPattern and AssetExclude are doublestar globs used to pick a release
	// asset when a release carries more than one file.
	AssetPattern string
	AssetExclude string
}

func (r Ref) String() string {
	return r.Locator
}

// Version describes one downloadable version of a mod.
type Version struct {
	ID          string
	Name        string
	Title       string
	FileName    string
	DownloadURL string
	Size        int64
	PublishedAt time.Time
}

// Archive is the raw payload of one mod version.
type Archive struct {
	Name    string
	Data    []byte
	Version Version
}

// Source is the capability every variant provides.
type Source interface {
	Kind() Kind
	// ListVersions returns the available versions, newest first.
	ListVersions(ctx context.Context, ref Ref) ([]Version, error)
	// FetchArchive downloads the archive of the version with the given ID.
	FetchArchive(ctx context.Context, ref Ref, versionID string) (*Archive, error)
}

func findVersion(versions []Version, versionID string) (Version, bool) {
	for _, v := range versions {
		if v.ID == versionID {
			return v, true
		}
	}
	return Version{}, false
}
