package source

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	goversion "github.com/hashicorp/go-version"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	versionCacheSize = 256
	versionCacheTTL  = 5 * time.Minute
)

// versionCache memoizes version listings for a short time so that resolving
// and fetching the same mod does not list it twice.
type versionCache struct {
	lru *expirable.LRU[string, []Version]
}

func newVersionCache(ttl time.Duration) *versionCache {
	if ttl <= 0 {
		ttl = versionCacheTTL
	}
	return &versionCache{lru: expirable.NewLRU[string, []Version](versionCacheSize, nil, ttl)}
}

func (c *versionCache) get(kind Kind, ref Ref) ([]Version, bool) {
	return c.lru.Get(cacheKey(kind, ref))
}

func (c *versionCache) add(kind Kind, ref Ref, versions []Version) {
	c.lru.Add(cacheKey(kind, ref), versions)
}

func cacheKey(kind Kind, ref Ref) string {
	return fmt.Sprintf("%s|%s|%s|%s", kind, ref.Locator, ref.AssetPattern, ref.AssetExclude)
}

// ParseVersion reads a semantic version out of a free-form label such as
// "v3.1.0" or "SAIN 3.1.0 (SPT 3.9)". Leading text up to the first digit is skipped.
func ParseVersion(label string) (*goversion.Version, bool) {
	i := strings.IndexFunc(label, unicode.IsDigit)
	if i < 0 {
		return nil, false
	}
	s := label[i:]
	if j := strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '(' || r == ')' || r == ','
	}); j >= 0 {
		s = s[:j]
	}
	v, err := goversion.NewVersion(s)
	if err != nil {
		return nil, false
	}
	return v, true
}

// SortNewestFirst orders versions by semantic version, newest first. Versions
// whose label does not parse sort after the parsed ones, by publish date.
func SortNewestFirst(versions []Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		vi, oki := ParseVersion(versions[i].ID)
		vj, okj := ParseVersion(versions[j].ID)
		switch {
		case oki && okj && !vi.Equal(vj):
			return vi.GreaterThan(vj)
		case oki != okj:
			return oki
		default:
			return versions[i].PublishedAt.After(versions[j].PublishedAt)
		}
	})
}

// ResolveVersion picks the version to install. wanted "" or "latest" selects
// the newest; anything else must match an ID, a name or an equal semantic version.
func ResolveVersion(versions []Version, wanted string) (Version, error) {
	if len(versions) == 0 {
		return Version{}, fmt.Errorf("%w: no versions available", ErrModOrVersionNotFound)
	}

	sorted := append([]Version(nil), versions...)
	SortNewestFirst(sorted)

	wanted = strings.TrimSpace(wanted)
	if wanted == "" || strings.EqualFold(wanted, "latest") {
		return sorted[0], nil
	}

	for _, v := range sorted {
		if v.ID == wanted || v.Name == wanted {
			return v, nil
		}
	}
	if want, ok := ParseVersion(wanted); ok {
		for _, v := range sorted {
			if got, ok := ParseVersion(v.ID); ok && got.Equal(want) {
				return v, nil
			}
		}
	}
	return Version{}, fmt.Errorf("%w: version %q", ErrModOrVersionNotFound, wanted)
}
