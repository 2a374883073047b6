// Package publish uploads built scies to S3-compatible object storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/3leaps/sciefab/internal/config"
	"github.com/3leaps/sciefab/internal/ctxlog"
	"github.com/3leaps/sciefab/internal/model"
)

const contentType = "application/octet-stream"

type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// FromSection converts the build file's publish section. UseSSL defaults to
// true when the file leaves it unset.
func FromSection(s config.PublishSection) Config {
	useSSL := true
	if s.UseSSL != nil {
		useSSL = *s.UseSSL
	}
	return Config{
		Endpoint:  s.Endpoint,
		Bucket:    s.Bucket,
		Prefix:    s.Prefix,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		Region:    s.Region,
		UseSSL:    useSSL,
	}
}

// Enabled reports whether any publishing was requested.
func (c Config) Enabled() bool {
	return c.Endpoint != "" || c.Bucket != ""
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Endpoint) == "" {
		errs = append(errs, errors.New("publish endpoint is required"))
	} else if strings.Contains(c.Endpoint, "://") {
		errs = append(errs, fmt.Errorf("publish endpoint %q must be host[:port] without a scheme", c.Endpoint))
	}
	if strings.TrimSpace(c.Bucket) == "" {
		errs = append(errs, errors.New("publish bucket is required"))
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		errs = append(errs, errors.New("publish access key and secret key must be set together"))
	}
	if strings.HasPrefix(c.Prefix, "/") {
		errs = append(errs, fmt.Errorf("publish prefix %q must be relative", c.Prefix))
	}
	return errors.Join(errs...)
}

// ObjectKey is <prefix>/<artifact file name>.
func ObjectKey(prefix string, a model.BuildArtifact) string {
	name := filepath.Base(a.Path)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Uploader puts artifacts into one bucket.
type Uploader struct {
	client *minio.Client
	cfg    Config
}

func NewUploader(cfg Config) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("publish client: %w", err)
	}
	return &Uploader{client: client, cfg: cfg}, nil
}

// Upload stores every artifact, then each extra file (such as a checksum
// file), and returns the object keys written.
func (u *Uploader) Upload(ctx context.Context, artifacts []model.BuildArtifact, extra ...string) ([]string, error) {
	if err := u.ensureBucket(ctx); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(artifacts)+len(extra))
	for _, a := range artifacts {
		key, err := u.put(ctx, a.Path, map[string]string{"platform": a.Platform.String()})
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	for _, path := range extra {
		key, err := u.put(ctx, path, nil)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (u *Uploader) put(ctx context.Context, path string, meta map[string]string) (string, error) {
	key := ObjectKey(u.cfg.Prefix, model.BuildArtifact{Path: path})
	info, err := u.client.FPutObject(ctx, u.cfg.Bucket, key, path, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s to %s/%s: %w", path, u.cfg.Bucket, key, err)
	}
	ctxlog.FromContext(ctx).Info("Published.", "bucket", u.cfg.Bucket, "key", key, "size", humanize.Bytes(uint64(info.Size)))
	return key, nil
}

func (u *Uploader) ensureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.cfg.Bucket, minio.MakeBucketOptions{Region: u.cfg.Region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", u.cfg.Bucket, err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
