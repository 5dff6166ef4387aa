package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/imroc/req/v3"
)

const (
	defaultSPTHubURL    = "https://hub.sp-tarkov.com"
	googleDriveHost     = "drive.google.com"
	googleDownloadURL   = "https://drive.usercontent.google.com/download"
	sptHubRatePerSecond = 2
)

var (
	sptFilePathPattern = regexp.MustCompile(`^/files/file/(\d+)-([^/]+)/?$`)
	gdriveFilePattern  = regexp.MustCompile(`^/file/d/([^/]+)`)
)

type SPTHubOptions struct {
	// BaseURL of the hub. Mod refs must live on this host.
	BaseURL string
	// GoogleDownloadURL is the Google Drive confirmation endpoint.
	GoogleDownloadURL string
	// RequestsPerSecond paces hub requests. Defaults to 2.
	RequestsPerSecond int64
	Client            *req.Client
	CacheTTL          time.Duration
}

// SPTHub scrapes the versions list of a mod page on the SPT hub and follows
// the external download link of the chosen version.
type SPTHub struct {
	base       *url.URL
	googleURL  string
	hubClient  *req.Client
	fileClient *req.Client
	cache      *versionCache
}

func NewSPTHub(opts SPTHubOptions) (*SPTHub, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultSPTHubURL
	}
	if opts.GoogleDownloadURL == "" {
		opts.GoogleDownloadURL = googleDownloadURL
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = sptHubRatePerSecond
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid spt hub url %q: %w", opts.BaseURL, err)
	}

	fileClient := opts.Client
	if fileClient == nil {
		fileClient = HTTPClient
	}

	return &SPTHub{
		base:       base,
		googleURL:  opts.GoogleDownloadURL,
		hubClient:  pacedClient(opts.Client, perSecond(opts.RequestsPerSecond)),
		fileClient: fileClient.Clone(),
		cache:      newVersionCache(opts.CacheTTL),
	}, nil
}

func (s *SPTHub) Kind() Kind {
	return KindSPTHub
}

// modPageURL validates a hub file link and normalizes it with a trailing slash.
func (s *SPTHub) modPageURL(locator string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidRef, locator, err)
	}
	if u.Scheme != s.base.Scheme || u.Host != s.base.Host || !sptFilePathPattern.MatchString(u.Path) {
		return "", fmt.Errorf("%w: %q is not a %s/files/file/<id>-<name>/ link", ErrInvalidRef, locator, s.base.String())
	}
	u.Fragment = ""
	u.RawQuery = ""
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String(), nil
}

func (s *SPTHub) ListVersions(ctx context.Context, ref Ref) ([]Version, error) {
	if cached, ok := s.cache.get(KindSPTHub, ref); ok {
		return cached, nil
	}

	pageURL, err := s.modPageURL(ref.Locator)
	if err != nil {
		return nil, err
	}

	fe := FetchError{Source: KindSPTHub, Ref: ref.Locator, Op: "list versions"}
	doc, err := s.getHTML(ctx, s.hubClient, fe, pageURL)
	if err != nil {
		return nil, err
	}

	versions, err := parseSPTModPage(doc)
	if err != nil {
		fe.Err = fmt.Errorf("%w: %v", ErrModOrVersionNotFound, err)
		return nil, &fe
	}
	SortNewestFirst(versions)

	s.cache.add(KindSPTHub, ref, versions)
	return versions, nil
}

func (s *SPTHub) FetchArchive(ctx context.Context, ref Ref, versionID string) (*Archive, error) {
	versions, err := s.ListVersions(ctx, ref)
	if err != nil {
		return nil, err
	}
	v, ok := findVersion(versions, versionID)
	if !ok {
		return nil, &FetchError{Source: KindSPTHub, Ref: ref.Locator, Version: versionID, Op: "fetch", Err: ErrModOrVersionNotFound}
	}

	fe := FetchError{Source: KindSPTHub, Ref: ref.Locator, Version: versionID, Op: "resolve download"}
	page, err := s.getHTML(ctx, s.hubClient, fe, v.DownloadURL)
	if err != nil {
		return nil, err
	}
	link, ok := page.Find("a[href]").First().Attr("href")
	if !ok || link == "" {
		fe.Err = fmt.Errorf("%w: no link on download page %s", ErrModOrVersionNotFound, v.DownloadURL)
		return nil, &fe
	}

	fileURL, fileName, err := s.resolveDownload(ctx, fe, link)
	if err != nil {
		return nil, err
	}

	fe.Op = "download " + fileName
	resp, err := get(ctx, s.fileClient, fe, fileURL)
	if err != nil {
		return nil, err
	}

	v.FileName = fileName
	return &Archive{Name: fileName, Data: resp.Bytes(), Version: v}, nil
}

// resolveDownload turns the link found on a download page into a direct file URL.
// Direct file links are used as is; Google Drive links go through the
// confirmation form Drive serves for files it cannot virus scan.
func (s *SPTHub) resolveDownload(ctx context.Context, fe FetchError, link string) (string, string, error) {
	u, err := url.Parse(link)
	if err != nil || u.Scheme == "" {
		fe.Err = fmt.Errorf("%w: %q", ErrUnsupportedDownload, link)
		return "", "", &fe
	}

	if u.Host == googleDriveHost {
		m := gdriveFilePattern.FindStringSubmatch(u.Path)
		if m == nil {
			fe.Err = fmt.Errorf("%w: %q", ErrUnsupportedDownload, link)
			return "", "", &fe
		}
		confirmURL := s.googleURL + "?id=" + url.QueryEscape(m[1])
		fe.Op = "google drive confirm"
		doc, err := s.getHTML(ctx, s.fileClient, fe, confirmURL)
		if err != nil {
			return "", "", err
		}
		fileURL, fileName, perr := parseGoogleConfirm(doc, s.googleURL)
		if perr != nil {
			fe.Err = fmt.Errorf("%w: %v", ErrUnsupportedDownload, perr)
			return "", "", &fe
		}
		return fileURL, fileName, nil
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || !strings.Contains(name, ".") {
		fe.Err = fmt.Errorf("%w: %q", ErrUnsupportedDownload, link)
		return "", "", &fe
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return u.String(), name, nil
}

func (s *SPTHub) getHTML(ctx context.Context, c *req.Client, fe FetchError, pageURL string) (*goquery.Document, error) {
	resp, err := get(ctx, c, fe, pageURL, func(r *req.Request) {
		r.SetHeader("Accept", "text/html")
	})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Bytes()))
	if err != nil {
		fe.Err = fmt.Errorf("%w: parse html: %v", ErrSourceUnreachable, err)
		return nil, &fe
	}
	return doc, nil
}

// parseSPTModPage reads the title and the active versions of a hub mod page.
func parseSPTModPage(doc *goquery.Document) ([]Version, error) {
	title := strings.TrimSpace(doc.Find(`h1.contentTitle [itemprop="name"]`).First().Text())
	if title == "" {
		return nil, fmt.Errorf("no mod title on page")
	}

	container := doc.Find("div#versions")
	if container.Length() == 0 {
		return nil, fmt.Errorf("no versions section on page")
	}

	var versions []Version
	var parseErr error
	container.Find(`li[data-is-deleted="false"][data-is-disabled="false"]`).EachWithBreak(func(_ int, li *goquery.Selection) bool {
		link := li.Find("a.externalURL").First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		label := strings.TrimSpace(link.Text())
		if _, ok := ParseVersion(label); !ok {
			parseErr = fmt.Errorf("unparseable version %q", label)
			return false
		}

		ts, ok := li.Find("time[data-timestamp]").First().Attr("data-timestamp")
		if !ok {
			parseErr = fmt.Errorf("version %q has no timestamp", label)
			return false
		}
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			parseErr = fmt.Errorf("version %q timestamp %q: %v", label, ts, err)
			return false
		}

		versions = append(versions, Version{
			ID:          label,
			Name:        title + " " + label,
			Title:       title,
			DownloadURL: href,
			PublishedAt: time.Unix(unix, 0).UTC(),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("no active versions listed")
	}
	return versions, nil
}

// parseGoogleConfirm builds the direct download URL out of the Drive
// confirmation form and reads the file name from the warning text.
func parseGoogleConfirm(doc *goquery.Document, action string) (string, string, error) {
	form := doc.Find(fmt.Sprintf(`form[action=%q]`, action)).First()
	if form.Length() == 0 {
		return "", "", fmt.Errorf("no download form")
	}

	fileName := strings.TrimSpace(doc.Find("p.uc-warning-subcaption a").First().Text())
	if fileName == "" {
		return "", "", fmt.Errorf("no file name")
	}

	params := url.Values{}
	form.Find(`input[type="hidden"]`).Each(func(_ int, in *goquery.Selection) {
		name, _ := in.Attr("name")
		value, _ := in.Attr("value")
		if name != "" {
			params.Add(name, value)
		}
	})
	return action + "?" + params.Encode(), fileName, nil
}
