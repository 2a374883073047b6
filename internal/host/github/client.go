package github

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/3leaps/sciefab/internal/ctxlog"
	"github.com/3leaps/sciefab/internal/model"
)

const maxErrorBody = 2048

// ErrNotFound is returned for HTTP 404 responses.
var ErrNotFound = errors.New("not found")

func TokenFromEnv() string {
	if tok := strings.TrimSpace(os.Getenv("SCIEFAB_GITHUB_TOKEN")); tok != "" {
		return tok
	}
	return strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
}

func UserAgent(version string) string {
	return fmt.Sprintf("sciefab/%s", version)
}

// Client talks to the GitHub releases API and downloads release assets.
type Client struct {
	HTTP      *http.Client
	APIBase   string
	UserAgent string
	// Offline makes every network request fail immediately.
	Offline bool
}

func NewClient(apiBase, userAgent string, timeout time.Duration) *Client {
	return &Client{
		HTTP:      &http.Client{Timeout: timeout},
		APIBase:   strings.TrimRight(apiBase, "/"),
		UserAgent: userAgent,
	}
}

// Get issues a GET, attaching the token only for github hosts.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	if c.Offline {
		return nil, fmt.Errorf("fetch %s: offline mode", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	if tok := TokenFromEnv(); tok != "" && strings.Contains(req.URL.Host, "github.com") {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("status %d from %s: %s", resp.StatusCode, rawURL, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, err
	}
	return resp, nil
}

// FetchRelease loads a release of repo ("owner/name"); an empty tag selects
// the latest release.
func (c *Client) FetchRelease(ctx context.Context, repo, tag string) (*model.Release, error) {
	releaseID := "latest"
	if tag != "" {
		releaseID = "tags/" + url.PathEscape(tag)
	}
	endpoint := fmt.Sprintf("%s/repos/%s/releases/%s", c.APIBase, repo, releaseID)

	resp, err := c.Get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rel model.Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("parse release %s: %w", endpoint, err)
	}
	return &rel, nil
}

// FetchBytes reads a small resource (checksum files, signatures) into memory.
func (c *Client) FetchBytes(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	body, err := c.open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("read %s: exceeds %s", rawURL, humanize.IBytes(uint64(limit)))
	}
	return data, nil
}

// Download is the outcome of a completed transfer.
type Download struct {
	Path   string
	Size   int64
	SHA256 string
}

// DownloadTo streams rawURL into a temporary file in tmpDir, hashing as it
// goes. The caller decides whether to promote or discard the file; on error
// nothing is left behind.
func (c *Client) DownloadTo(ctx context.Context, rawURL, tmpDir, pattern string) (*Download, error) {
	body, err := c.open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", tmpDir, err)
	}
	f, err := os.CreateTemp(tmpDir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp in %s: %w", tmpDir, err)
	}
	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(f, h), body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("write %s: %w", f.Name(), err)
	}

	ctxlog.FromContext(ctx).Debug("Downloaded.", "url", rawURL, "size", humanize.Bytes(uint64(n)))
	return &Download{Path: f.Name(), Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// open returns a reader over http(s) or file:// URLs.
func (c *Client) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file":
		// #nosec G304 -- explicit local mirror configured by the user
		f, err := os.Open(filepath.FromSlash(u.Path))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
			}
			return nil, fmt.Errorf("open %s: %w", rawURL, err)
		}
		return f, nil
	case "http", "https":
		resp, err := c.Get(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("unsupported url scheme %q in %s", u.Scheme, rawURL)
	}
}
