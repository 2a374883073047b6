package github

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3leaps/sciefab/internal/model"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/owner/repo/releases/latest", "/repos/owner/repo/releases/tags/20221002":
			rel := model.Release{
				TagName: "20221002",
				Assets:  []model.Asset{{Name: "a.tar.gz", BrowserDownloadUrl: "http://" + r.Host + "/a.tar.gz", Size: 5}},
			}
			_ = json.NewEncoder(w).Encode(&rel)
		case "/a.tar.gz":
			if got := r.Header.Get("User-Agent"); got != "sciefab/test" {
				t.Errorf("User-Agent: got %q", got)
			}
			_, _ = w.Write([]byte("hello"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFetchRelease(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := NewClient(ts.URL+"/", UserAgent("test"), 10*time.Second)

	for _, tag := range []string{"", "20221002"} {
		rel, err := c.FetchRelease(context.Background(), "owner/repo", tag)
		if err != nil {
			t.Fatalf("FetchRelease(%q): %v", tag, err)
		}
		if rel.TagName != "20221002" || rel.FindAsset("a.tar.gz") == nil {
			t.Fatalf("FetchRelease(%q): unexpected release %+v", tag, rel)
		}
	}

	_, err := c.FetchRelease(context.Background(), "owner/repo", "19990101")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDownloadToHashesIntoTempFile(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := NewClient(ts.URL, UserAgent("test"), 10*time.Second)
	dir := t.TempDir()

	d, err := c.DownloadTo(context.Background(), ts.URL+"/a.tar.gz", dir, ".a.tar.gz.*.part")
	if err != nil {
		t.Fatalf("DownloadTo: %v", err)
	}
	sum := sha256.Sum256([]byte("hello"))
	if d.SHA256 != hex.EncodeToString(sum[:]) || d.Size != 5 || filepath.Dir(d.Path) != dir {
		t.Fatalf("unexpected download: %+v", d)
	}
	if !strings.HasPrefix(filepath.Base(d.Path), ".a.tar.gz.") {
		t.Fatalf("temp name does not follow pattern: %s", d.Path)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the downloaded file, got %d entries", len(entries))
	}
}

func TestDownloadFailureLeavesNothing(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := NewClient(ts.URL, UserAgent("test"), 10*time.Second)
	dir := t.TempDir()

	if _, err := c.DownloadTo(context.Background(), ts.URL+"/missing", dir, ".x.*"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty dir after failed download, got %d entries", len(entries))
	}
}

func TestFileURLAndOffline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "local.txt")
	if err := os.WriteFile(src, []byte("local"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := NewClient("https://api.github.com", UserAgent("test"), time.Second)
	c.Offline = true
	data, err := c.FetchBytes(context.Background(), "file://"+filepath.ToSlash(src), 1024)
	if err != nil {
		t.Fatalf("FetchBytes(file): %v", err)
	}
	if string(data) != "local" {
		t.Fatalf("FetchBytes: got %q", data)
	}

	if _, err := c.FetchBytes(context.Background(), "https://example.invalid/x", 1024); err == nil || !strings.Contains(err.Error(), "offline") {
		t.Fatalf("expected offline error, got %v", err)
	}
}

func TestFetchBytesLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := NewClient(ts.URL, UserAgent("test"), 10*time.Second)
	if _, err := c.FetchBytes(context.Background(), ts.URL+"/a.tar.gz", 2); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestTokenFromEnv(t *testing.T) {
	t.Setenv("SCIEFAB_GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", " gh ")
	if got := TokenFromEnv(); got != "gh" {
		t.Fatalf("TokenFromEnv: got %q", got)
	}
	t.Setenv("SCIEFAB_GITHUB_TOKEN", "mine")
	if got := TokenFromEnv(); got != "mine" {
		t.Fatalf("TokenFromEnv: got %q", got)
	}
}
