package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/imroc/req/v3"
	"github.com/openmined/modsync/internal/archive"
)

const (
	defaultGitHubAPI  = "https://api.github.com"
	githubAPIVersion  = "2022-11-28"
	githubReleasePage = 100
)

type GitHubOptions struct {
	// BaseURL of the REST API. Defaults to https://api.github.com.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// RequestsPerSecond paces API and download requests. Defaults to 1.
	RequestsPerSecond int64
	Client            *req.Client
	CacheTTL          time.Duration
}

type ghRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []ghAsset `json:"assets"`
}

type ghAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// GitHub lists releases of a repository and downloads one asset per release.
type GitHub struct {
	baseURL string
	client  *req.Client
	cache   *versionCache
}

func NewGitHub(opts GitHubOptions) *GitHub {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultGitHubAPI
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 1
	}

	client := pacedClient(opts.Client, perSecond(opts.RequestsPerSecond)).
		SetCommonHeader("X-GitHub-Api-Version", githubAPIVersion)
	if opts.Token != "" {
		client.SetCommonBearerAuthToken(opts.Token)
	}

	return &GitHub{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
		cache:   newVersionCache(opts.CacheTTL),
	}
}

func (g *GitHub) Kind() Kind {
	return KindGitHub
}

func (g *GitHub) ListVersions(ctx context.Context, ref Ref) ([]Version, error) {
	if cached, ok := g.cache.get(KindGitHub, ref); ok {
		return cached, nil
	}

	owner, repo, err := parseGitHubRepo(ref.Locator)
	if err != nil {
		return nil, err
	}

	var releases []ghRelease
	fe := FetchError{Source: KindGitHub, Ref: ref.Locator, Op: "list releases"}
	_, err = get(ctx, g.client, fe, fmt.Sprintf("%s/repos/%s/%s/releases", g.baseURL, owner, repo), func(r *req.Request) {
		r.SetHeader("Accept", "application/vnd.github+json").
			SetQueryParam("per_page", fmt.Sprint(githubReleasePage)).
			SetSuccessResult(&releases)
	})
	if err != nil {
		return nil, err
	}

	versions := make([]Version, 0, len(releases))
	for _, rel := range releases {
		if rel.Draft {
			continue
		}
		asset, ok := selectAsset(rel.Assets, ref.AssetPattern, ref.AssetExclude)
		if !ok {
			slog.Debug("github release has no matching asset", "repo", owner+"/"+repo, "tag", rel.TagName)
			continue
		}
		name := rel.Name
		if name == "" {
			name = rel.TagName
		}
		versions = append(versions, Version{
			ID:          rel.TagName,
			Name:        name,
			Title:       repo,
			FileName:    asset.Name,
			DownloadURL: asset.BrowserDownloadURL,
			Size:        asset.Size,
			PublishedAt: rel.PublishedAt,
		})
	}
	SortNewestFirst(versions)

	g.cache.add(KindGitHub, ref, versions)
	return versions, nil
}

func (g *GitHub) FetchArchive(ctx context.Context, ref Ref, versionID string) (*Archive, error) {
	versions, err := g.ListVersions(ctx, ref)
	if err != nil {
		return nil, err
	}
	v, ok := findVersion(versions, versionID)
	if !ok {
		return nil, &FetchError{Source: KindGitHub, Ref: ref.Locator, Version: versionID, Op: "fetch", Err: ErrModOrVersionNotFound}
	}

	fe := FetchError{Source: KindGitHub, Ref: ref.Locator, Version: versionID, Op: "download " + v.FileName}
	resp, err := get(ctx, g.client, fe, v.DownloadURL, func(r *req.Request) {
		r.SetHeader("Accept", "application/octet-stream")
	})
	if err != nil {
		return nil, err
	}

	return &Archive{Name: v.FileName, Data: resp.Bytes(), Version: v}, nil
}

// parseGitHubRepo accepts owner/repo or a github.com repository URL.
func parseGitHubRepo(locator string) (owner, repo string, err error) {
	s := strings.TrimSpace(locator)
	if strings.Contains(s, "://") {
		u, perr := url.Parse(s)
		if perr != nil {
			return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidRef, locator, perr)
		}
		s = u.Path
	}
	s = strings.Trim(strings.TrimSuffix(strings.Trim(s, "/"), ".git"), "/")

	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q is not owner/repo", ErrInvalidRef, locator)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// selectAsset picks the first asset matching pattern and not matching exclude.
// Without a pattern the first asset with an archive extension is chosen.
func selectAsset(assets []ghAsset, pattern, exclude string) (ghAsset, bool) {
	for _, a := range assets {
		name := strings.ToLower(path.Base(a.Name))
		if exclude != "" {
			if ok, _ := doublestar.Match(strings.ToLower(exclude), name); ok {
				continue
			}
		}
		if pattern != "" {
			if ok, _ := doublestar.Match(strings.ToLower(pattern), name); !ok {
				continue
			}
		} else if !archive.IsArchiveName(name) {
			continue
		}
		return a, true
	}
	return ghAsset{}, false
}
