package publish

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/sciefab/internal/config"
	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/platform"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := Config{Endpoint: "s3.example.com:9000", Bucket: "scies", AccessKey: "a", SecretKey: "s"}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "anonymous", mutate: func(c *Config) { c.AccessKey, c.SecretKey = "", "" }},
		{name: "no endpoint", mutate: func(c *Config) { c.Endpoint = "" }, wantErr: "endpoint is required"},
		{name: "scheme", mutate: func(c *Config) { c.Endpoint = "https://s3.example.com" }, wantErr: "without a scheme"},
		{name: "no bucket", mutate: func(c *Config) { c.Bucket = " " }, wantErr: "bucket is required"},
		{name: "half credentials", mutate: func(c *Config) { c.SecretKey = "" }, wantErr: "set together"},
		{name: "absolute prefix", mutate: func(c *Config) { c.Prefix = "/releases" }, wantErr: "must be relative"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := ok
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestObjectKey(t *testing.T) {
	t.Parallel()

	a := model.BuildArtifact{Platform: platform.LinuxX8664, Path: filepath.Join("dist", "cowsay-linux-x86_64")}
	require.Equal(t, "cowsay-linux-x86_64", ObjectKey("", a))
	require.Equal(t, "releases/1.0/cowsay-linux-x86_64", ObjectKey("releases/1.0/", a))
	require.Equal(t, "releases/cowsay-linux-x86_64", ObjectKey("/releases", a))
}

func TestFromSection(t *testing.T) {
	t.Parallel()

	require.True(t, FromSection(config.PublishSection{Endpoint: "e", Bucket: "b"}).UseSSL)
	off := false
	cfg := FromSection(config.PublishSection{Endpoint: "e", Bucket: "b", Prefix: "p", UseSSL: &off})
	require.False(t, cfg.UseSSL)
	require.Equal(t, "p", cfg.Prefix)
	require.True(t, cfg.Enabled())
	require.False(t, Config{}.Enabled())
}

type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	switch {
	case len(parts) == 1 || parts[1] == "":
		switch r.Method {
		case http.MethodHead:
			if !f.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		case http.MethodPut:
			f.buckets[bucket] = true
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestUploadCreatesBucketAndPutsObjects(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	var artifacts []model.BuildArtifact
	for _, p := range []platform.Platform{platform.LinuxX8664, platform.MacosAarch64} {
		path := filepath.Join(dir, p.QualifiedBinaryName("cowsay"))
		require.NoError(t, os.WriteFile(path, []byte("scie for "+p.String()), 0o755))
		artifacts = append(artifacts, model.BuildArtifact{Platform: p, Path: path})
	}

	u, err := NewUploader(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Bucket:    "scies",
		Prefix:    "v1",
		AccessKey: "access",
		SecretKey: "secret",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	sums := filepath.Join(dir, "SHA256SUMS")
	require.NoError(t, os.WriteFile(sums, []byte("sums"), 0o644))

	keys, err := u.Upload(context.Background(), artifacts, sums)
	require.NoError(t, err)
	require.Equal(t, []string{"v1/cowsay-linux-x86_64", "v1/cowsay-macos-aarch64", "v1/SHA256SUMS"}, keys)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.True(t, fake.buckets["scies"])
	// Plain-http uploads are aws-chunked, so only look for the payload.
	require.Contains(t, string(fake.objects["/scies/v1/cowsay-linux-x86_64"]), "scie for linux-x86_64")
	require.Equal(t, contentType, fake.types["/scies/v1/cowsay-macos-aarch64"])
}

func TestNewUploaderRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewUploader(Config{Bucket: "b"})
	require.ErrorContains(t, err, "endpoint is required")
}
