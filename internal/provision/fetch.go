package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/3leaps/sciefab/internal/ctxlog"
	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/verify"
)

// Fetched is a verified asset on local disk.
type Fetched struct {
	Path   string
	Digest string
	Size   int64
}

// Fetch places the asset for ref in dir, reusing an existing copy whose
// digest matches. The download is written beside the destination and only
// renamed into place after verification. When ref carries no digest the
// observed one is reported back to the caller.
func Fetch(ctx context.Context, t Transport, ref model.AssetReference, dir string) (*Fetched, error) {
	dest := filepath.Join(dir, ref.Filename)
	log := ctxlog.FromContext(ctx).With("asset", ref.Filename)

	if ref.Digest != "" {
		if sum, size, err := verify.FileSHA256(dest); err == nil && sum == ref.Digest {
			log.Debug("Reusing cached interpreter.", "path", dest)
			return &Fetched{Path: dest, Digest: sum, Size: size}, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Debug("Ignoring unreadable cached interpreter.", "err", err)
		}
	}

	d, err := t.DownloadTo(ctx, ref.URL(), dir, "."+ref.Filename+".*.part")
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", ref.URL(), err)
	}
	if ref.Digest != "" {
		if err := verify.CheckDigest(dest, d.Size, ref.Digest, d.SHA256); err != nil {
			_ = os.Remove(d.Path)
			return nil, err
		}
	} else {
		log.Warn("No published digest; recording the observed one.", "sha256", d.SHA256)
	}
	if err := os.Rename(d.Path, dest); err != nil {
		_ = os.Remove(d.Path)
		return nil, fmt.Errorf("install %s: %w", dest, err)
	}
	log.Info("Fetched interpreter.", "path", dest, "size", humanize.Bytes(uint64(d.Size)))
	return &Fetched{Path: dest, Digest: d.SHA256, Size: d.Size}, nil
}
