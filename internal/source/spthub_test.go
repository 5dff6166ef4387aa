package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sptModPage = `<html><body>
<h1 class="contentTitle"><span itemprop="name">Test Mod</span></h1>
<div id="versions"><ul>
  <li data-is-deleted="false" data-is-disabled="false">
    <a class="externalURL" href="%[1]s/files/license/2/">1.2.0</a>
    <time data-timestamp="1706745600"></time>
  </li>
  <li data-is-deleted="true" data-is-disabled="false">
    <a class="externalURL" href="%[1]s/files/license/3/">1.3.0</a>
    <time data-timestamp="1709251200"></time>
  </li>
  <li data-is-deleted="false" data-is-disabled="false">
    <a class="externalURL" href="%[1]s/files/license/1/">1.1.0</a>
    <time data-timestamp="1704067200"></time>
  </li>
</ul></div>
</body></html>`

func newSPTHubServer(t *testing.T, downloadLink func(base string) string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/files/file/123-test-mod/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, sptModPage, srv.URL)
	})
	mux.HandleFunc("/files/license/2/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><a href="%s">download</a><a href="/other">x</a></body></html>`, downloadLink(srv.URL))
	})
	mux.HandleFunc("/uploads/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "archive-bytes")
	})
	return srv
}

func newTestSPTHub(t *testing.T, base string) *SPTHub {
	t.Helper()
	hub, err := NewSPTHub(SPTHubOptions{
		BaseURL:           base,
		RequestsPerSecond: 1000,
		Client:            HTTPClient.Clone().SetCommonRetryCount(0),
	})
	require.NoError(t, err)
	return hub
}

func TestSPTHub_ListAndFetch(t *testing.T) {
	srv := newSPTHubServer(t, func(base string) string { return base + "/uploads/Test%20Mod-1.2.0.zip" })
	hub := newTestSPTHub(t, srv.URL)
	ref := Ref{ModID: "test-mod", Locator: srv.URL + "/files/file/123-test-mod"}

	versions, err := hub.ListVersions(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "1.2.0", versions[0].ID)
	assert.Equal(t, "Test Mod", versions[0].Title)
	assert.Equal(t, "Test Mod 1.2.0", versions[0].Name)
	assert.Equal(t, int64(1706745600), versions[0].PublishedAt.Unix())
	assert.Equal(t, "1.1.0", versions[1].ID)

	arc, err := hub.FetchArchive(context.Background(), ref, "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "Test Mod-1.2.0.zip", arc.Name)
	assert.Equal(t, "archive-bytes", string(arc.Data))
}

func TestSPTHub_UnsupportedDownload(t *testing.T) {
	srv := newSPTHubServer(t, func(base string) string { return base + "/uploads/landing-page" })
	hub := newTestSPTHub(t, srv.URL)
	ref := Ref{Locator: srv.URL + "/files/file/123-test-mod/"}

	_, err := hub.FetchArchive(context.Background(), ref, "1.2.0")
	assert.ErrorIs(t, err, ErrUnsupportedDownload)
}

func TestSPTHub_InvalidRef(t *testing.T) {
	hub := newTestSPTHub(t, "https://hub.example.com")

	for _, loc := range []string{
		"https://other.example.com/files/file/1-x/",
		"https://hub.example.com/forum/thread/1",
		"http://hub.example.com/files/file/1-x/",
		"not a url at all",
	} {
		_, err := hub.ListVersions(context.Background(), Ref{Locator: loc})
		assert.ErrorIs(t, err, ErrInvalidRef, loc)
	}

	u, err := hub.modPageURL("https://hub.example.com/files/file/1-x#overview")
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example.com/files/file/1-x/", u)
}

func TestSPTHub_PageWithoutVersions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><h1 class="contentTitle"><span itemprop="name">X</span></h1></html>`)
	}))
	defer srv.Close()

	hub := newTestSPTHub(t, srv.URL)
	_, err := hub.ListVersions(context.Background(), Ref{Locator: srv.URL + "/files/file/1-x/"})
	assert.ErrorIs(t, err, ErrModOrVersionNotFound)
}

func TestParseGoogleConfirm(t *testing.T) {
	const action = "https://drive.usercontent.google.com/download"
	html := `<html><body>
<p class="uc-warning-subcaption"><a href="/open?id=abc">Big Mod 2.0.7z</a> (120M)</p>
<form id="download-form" action="https://drive.usercontent.google.com/download" method="get">
  <input type="submit" value="Download anyway">
  <input type="hidden" name="id" value="abc">
  <input type="hidden" name="export" value="download">
  <input type="hidden" name="confirm" value="t">
</form></body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)

	fileURL, name, err := parseGoogleConfirm(doc, action)
	require.NoError(t, err)
	assert.Equal(t, "Big Mod 2.0.7z", name)
	assert.Equal(t, action+"?confirm=t&export=download&id=abc", fileURL)

	empty, err := goquery.NewDocumentFromReader(strings.NewReader(`<html></html>`))
	require.NoError(t, err)
	_, _, err = parseGoogleConfirm(empty, action)
	assert.Error(t, err)
}
