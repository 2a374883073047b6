package assembler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3leaps/sciefab/internal/assembler/assemblertest"
	"github.com/3leaps/sciefab/internal/config"
	"github.com/3leaps/sciefab/internal/host/github"
	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/platform"
)

type toolServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func (s *toolServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func newToolServer(t *testing.T) *toolServer {
	t.Helper()
	host, err := platform.Current()
	if err != nil {
		t.Skipf("host platform unsupported: %v", err)
	}
	asset := host.QualifiedBinaryName("science")

	files := map[string][]byte{
		"/releases/download/v0.3.2/" + asset: assemblertest.Script("0.3.2"),
		"/releases/latest/download/" + asset: assemblertest.Script("0.3.5"),
		"/mirror/a/science":                  assemblertest.Script("0.3.2"),
		"/mirror/b/science":                  assemblertest.Script("0.3.2"),
		"/old/science":                       assemblertest.Script("0.2.0"),
		"/tampered/science":                  assemblertest.Script("0.3.2"),
		"/tampered/science.sha256":           []byte(strings.Repeat("0", 64) + "  science\n"),
		"/noexec/science":                    []byte("not a program"),
	}
	sum := sha256.Sum256(files["/mirror/a/science"])
	files["/mirror/a/science.sha256"] = []byte(hex.EncodeToString(sum[:]) + "  science\n")

	s := &toolServer{hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestLocator(t *testing.T, s *toolServer, root string) (*Locator, *github.Client) {
	t.Helper()
	client := github.NewClient(s.URL, github.UserAgent("test"), 10*time.Second)
	l, err := NewLocator(config.AssemblerProvider{
		Name:           "science",
		DownloadBase:   s.URL + "/releases",
		MinimumVersion: "0.3.0",
	}, NewCache(root, "science"), client)
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	return l, client
}

func TestResolvePinnedVersion(t *testing.T) {
	assemblertest.SkipOnWindows(t)
	t.Parallel()

	s := newToolServer(t)
	root := t.TempDir()
	l, _ := newTestLocator(t, s, root)

	tool, err := l.Resolve(context.Background(), model.AssemblerToolSpec{Version: "v0.3.2"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(root, "0.3.2", "bin", "science"); tool.Path != want {
		t.Fatalf("path: got %q want %q", tool.Path, want)
	}
	if tool.Version.String() != "0.3.2" {
		t.Fatalf("version: got %s", tool.Version)
	}

	// A fresh process (new cache object) reuses the slot on disk.
	l2, client := newTestLocator(t, s, root)
	client.Offline = true
	again, err := l2.Resolve(context.Background(), model.AssemblerToolSpec{Version: "0.3.2"})
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if again.Path != tool.Path {
		t.Fatalf("cached path: got %q want %q", again.Path, tool.Path)
	}
}

func TestResolveConcurrentFetchesOnce(t *testing.T) {
	assemblertest.SkipOnWindows(t)
	t.Parallel()

	s := newToolServer(t)
	l, _ := newTestLocator(t, s, t.TempDir())

	var wg sync.WaitGroup
	paths := make([]string, 8)
	errs := make([]error, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tool, err := l.Resolve(context.Background(), model.AssemblerToolSpec{URL: s.URL + "/mirror/a/science"})
			errs[i] = err
			if err == nil {
				paths[i] = tool.Path
			}
		}(i)
	}
	wg.Wait()

	for i := range paths {
		if errs[i] != nil {
			t.Fatalf("Resolve[%d]: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("Resolve[%d]: path %q differs from %q", i, paths[i], paths[0])
		}
	}
	if got := s.count("/mirror/a/science"); got != 1 {
		t.Fatalf("expected one download, got %d", got)
	}
}

func TestResolveURLsCollapseByReportedVersion(t *testing.T) {
	assemblertest.SkipOnWindows(t)
	t.Parallel()

	s := newToolServer(t)
	root := t.TempDir()
	l, _ := newTestLocator(t, s, root)
	ctx := context.Background()

	a, err := l.Resolve(ctx, model.AssemblerToolSpec{URL: s.URL + "/mirror/a/science", Version: "9.9.9"})
	if err != nil {
		t.Fatalf("Resolve a: %v", err)
	}
	b, err := l.Resolve(ctx, model.AssemblerToolSpec{URL: s.URL + "/mirror/b/science"})
	if err != nil {
		t.Fatalf("Resolve b: %v", err)
	}
	if a.Path != b.Path || a.Path != filepath.Join(root, "0.3.2", "bin", "science") {
		t.Fatalf("expected both URLs in the 0.3.2 slot, got %q and %q", a.Path, b.Path)
	}

	entries, err := os.ReadDir(filepath.Join(root, "urls"))
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected two URL index entries, got %d (%v)", len(entries), err)
	}

	// A new process resolves the URL from the index without downloading.
	l2, client := newTestLocator(t, s, root)
	client.Offline = true
	if _, err := l2.Resolve(ctx, model.AssemblerToolSpec{URL: s.URL + "/mirror/b/science"}); err != nil {
		t.Fatalf("Resolve from URL index: %v", err)
	}
}

func TestResolveLatestAndOfflineFallback(t *testing.T) {
	assemblertest.SkipOnWindows(t)
	t.Parallel()

	s := newToolServer(t)
	root := t.TempDir()
	l, _ := newTestLocator(t, s, root)

	tool, err := l.Resolve(context.Background(), model.AssemblerToolSpec{})
	if err != nil {
		t.Fatalf("Resolve latest: %v", err)
	}
	if tool.Version.String() != "0.3.5" {
		t.Fatalf("latest version: got %s", tool.Version)
	}

	l2, client := newTestLocator(t, s, root)
	client.Offline = true
	cached, err := l2.Resolve(context.Background(), model.AssemblerToolSpec{})
	if err != nil {
		t.Fatalf("Resolve latest offline: %v", err)
	}
	if cached.Path != tool.Path {
		t.Fatalf("offline latest: got %q want %q", cached.Path, tool.Path)
	}
}

func TestResolveFailures(t *testing.T) {
	assemblertest.SkipOnWindows(t)
	t.Parallel()

	s := newToolServer(t)
	root := t.TempDir()
	l, _ := newTestLocator(t, s, root)
	ctx := context.Background()

	tests := []struct {
		name    string
		spec    model.AssemblerToolSpec
		also    error
		message string
	}{
		{name: "pinned below floor", spec: model.AssemblerToolSpec{Version: "0.2.0"}, message: "older than the minimum"},
		{name: "explicit binary below floor", spec: model.AssemblerToolSpec{URL: s.URL + "/old/science"}, message: "older than the minimum"},
		{name: "partial pin", spec: model.AssemblerToolSpec{Version: "0.3"}, message: "MAJOR.MINOR.PATCH"},
		{name: "missing release", spec: model.AssemblerToolSpec{Version: "0.3.9"}, also: github.ErrNotFound},
		{name: "checksum mismatch", spec: model.AssemblerToolSpec{URL: s.URL + "/tampered/science"}, also: model.ErrIntegrity},
		{name: "not executable", spec: model.AssemblerToolSpec{URL: s.URL + "/noexec/science"}, message: "not executable"},
		{name: "signature required", spec: model.AssemblerToolSpec{URL: s.URL + "/mirror/b/science", MinisignKey: "RWQf6LRCGA9i53mlYecO4IzT51TGPpvWucNSCh1CBM0QTaLn73Y7GFO3"}, message: "signature"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Resolve(ctx, tc.spec)
			if !errors.Is(err, model.ErrToolResolution) {
				t.Fatalf("expected ErrToolResolution, got %v", err)
			}
			if tc.also != nil && !errors.Is(err, tc.also) {
				t.Fatalf("expected %v in chain, got %v", tc.also, err)
			}
			if tc.message != "" && !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("error: got %q want substring %q", err.Error(), tc.message)
			}
		})
	}

	// Failed fetches leave no stray downloads in the cache root.
	entries, _ := os.ReadDir(root)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".download-") {
			t.Fatalf("stray download %s", e.Name())
		}
	}
}

func TestToolBuild(t *testing.T) {
	assemblertest.SkipOnWindows(t)
	t.Parallel()

	dir := t.TempDir()
	tool := &Tool{Path: assemblertest.Write(t, dir, "0.3.2")}
	ctx := context.Background()

	v, err := tool.QueryVersion(ctx)
	if err != nil || v.String() != "0.3.2" {
		t.Fatalf("QueryVersion: %v %v", v, err)
	}

	manifestPath := filepath.Join(dir, "lift.toml")
	if err := os.WriteFile(manifestPath, []byte("[lift]\nname = \"cowsay\"\nplatforms = [\"windows-x86_64\"]\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	dest := filepath.Join(dir, "out")
	if err := os.Mkdir(dest, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	inv := Invocation{
		Manifest: manifestPath,
		Files:    []FileBinding{{Name: "cowsay.pex", Path: "/tmp/cowsay.pex"}},
		DestDir:  dest,
	}
	wantArgs := []string{"lift", "--file", "cowsay.pex=/tmp/cowsay.pex", "build", "--dest-dir", dest, manifestPath}
	if got := inv.Args(); strings.Join(got, " ") != strings.Join(wantArgs, " ") {
		t.Fatalf("Args: got %q", got)
	}

	out, err := tool.Build(ctx, inv)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "cowsay.exe") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := os.Stat(filepath.Join(dest, "cowsay.exe")); err != nil {
		t.Fatalf("expected launcher: %v", err)
	}

	inv.Env = []string{"FAKE_SCIENCE_FAIL=windows-x86_64"}
	if _, err := tool.Build(ctx, inv); err == nil || !strings.Contains(err.Error(), "cannot build for windows-x86_64") {
		t.Fatalf("expected tool failure with output, got %v", err)
	}
}
