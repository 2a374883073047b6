package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/sciefab/internal/config"
	"github.com/3leaps/sciefab/internal/ctxlog"
	"github.com/3leaps/sciefab/internal/host/github"
	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/platform"
	"github.com/3leaps/sciefab/internal/verify"
	"github.com/3leaps/sciefab/pkg/version"
)

const maxChecksumFile = 4 << 20

// Transport fetches checksum files and asset bodies.
type Transport interface {
	FetchBytes(ctx context.Context, url string, limit int64) ([]byte, error)
	DownloadTo(ctx context.Context, url, dir, pattern string) (*github.Download, error)
}

// Resolver maps (platform, release, version constraint) to a concrete
// interpreter asset.
type Resolver struct {
	Index        Index
	Transport    Transport
	DownloadBase string
	Flavor       string
	// Floor is the oldest interpreter that can be embedded in a scie.
	Floor version.Version
	// Cache persists checksum files; with Offline set they are only read
	// from it.
	Cache   *ReleaseCache
	Offline bool
}

func NewResolver(p config.InterpreterProvider, index Index, t Transport) (*Resolver, error) {
	floor, err := version.Parse(p.MinimumVersion)
	if err != nil {
		return nil, fmt.Errorf("interpreter minimum version: %w", err)
	}
	return &Resolver{
		Index:        index,
		Transport:    t,
		DownloadBase: p.DownloadBase,
		Flavor:       p.Flavor,
		Floor:        floor,
	}, nil
}

// ResolveAsset selects the newest asset in release whose version matches
// constraint for platform p, then applies overrides. An empty release selects
// the latest release; an empty constraint accepts any version. The result is
// deterministic for a fixed release index.
func (r *Resolver) ResolveAsset(ctx context.Context, p platform.Platform, release, constraint string, overrides Overrides) (model.AssetReference, error) {
	want, err := r.parseConstraint(constraint)
	if err != nil {
		return model.AssetReference{}, err
	}
	if release != "" && !validRelease(release) {
		return model.AssetReference{}, model.NewVersionResolution(
			"Invalid release %q: expected a dated release tag like 20221002.", release)
	}

	rel, err := r.release(ctx, release)
	if err != nil {
		return model.AssetReference{}, err
	}
	release = rel.TagName

	triple := p.PBSTriple()
	var candidates []version.Version
	for _, a := range rel.Assets {
		name, ok := parseFilename(a.Name, r.Flavor)
		if !ok || name.Triple != triple || name.Release != release {
			continue
		}
		candidates = append(candidates, name.Version)
	}
	if len(candidates) == 0 {
		return model.AssetReference{}, model.NewUnsupportedTarget(
			"No released assets found for release %s targeting %s of flavor %s.", release, p, r.Flavor)
	}
	chosen, ok := version.Newest(want, candidates)
	if !ok {
		return model.AssetReference{}, model.NewVersionResolution(
			"No released assets found for release %s Python %s of flavor %s.", release, constraintLabel(constraint), r.Flavor)
	}

	filename := Filename(chosen.String(), release, p, r.Flavor)
	ref := model.AssetReference{
		Spec:       model.InterpreterSpec{Release: release, Version: chosen.String(), Platform: p},
		Filename:   filename,
		DefaultURL: DefaultURL(r.DownloadBase, release, filename),
	}
	if a := rel.FindAsset(filename); a != nil {
		ref.Size = a.Size
	}
	ref.Digest, err = r.digest(ctx, rel, filename)
	if err != nil {
		return model.AssetReference{}, err
	}
	return overrides.Apply(ref), nil
}

func (r *Resolver) parseConstraint(constraint string) (version.Version, error) {
	if constraint == "" {
		return version.Version{}, nil
	}
	want, err := version.Parse(constraint)
	if err != nil {
		return version.Version{}, model.NewVersionResolution("Invalid Python version %q: %v.", constraint, err)
	}
	if belowFloor(want, r.Floor) {
		return version.Version{}, model.NewUnsupportedTarget(
			"Python %s has no compatible interpreter that can be embedded to form a scie; the minimum is %s.",
			want, r.Floor)
	}
	return want, nil
}

func (r *Resolver) release(ctx context.Context, tag string) (*model.Release, error) {
	var (
		rel *model.Release
		err error
	)
	if tag == "" {
		rel, err = r.Index.Latest(ctx)
	} else {
		rel, err = r.Index.Release(ctx, tag)
	}
	if errors.Is(err, github.ErrNotFound) {
		return nil, model.NewUnsupportedTarget("No release %s found.", tag)
	}
	if err != nil {
		return nil, fmt.Errorf("query release index: %w", err)
	}
	return rel, nil
}

// digest looks up the published sha256 of filename. An empty result means
// the release publishes no checksum for it.
func (r *Resolver) digest(ctx context.Context, rel *model.Release, filename string) (string, error) {
	src := verify.FindChecksumAsset(rel, filename)
	if src == nil {
		ctxlog.FromContext(ctx).Debug("No checksum published.", "asset", filename, "release", rel.TagName)
		return "", nil
	}
	data, err := r.checksumFile(ctx, rel.TagName, src)
	if err != nil {
		return "", fmt.Errorf("fetch checksums for %s: %w", filename, err)
	}
	sum, err := verify.ExtractChecksum(data, "sha256", filename)
	if err != nil {
		ctxlog.FromContext(ctx).Debug("Checksum file does not list asset.", "asset", filename, "source", src.Name)
		return "", nil
	}
	return sum, nil
}

func (r *Resolver) checksumFile(ctx context.Context, tag string, src *model.Asset) ([]byte, error) {
	if r.Offline && r.Cache != nil {
		return r.Cache.LoadChecksums(tag, src.Name)
	}
	data, err := r.Transport.FetchBytes(ctx, src.BrowserDownloadUrl, maxChecksumFile)
	if err != nil {
		return nil, err
	}
	if r.Cache != nil {
		if err := r.Cache.StoreChecksums(tag, src.Name, data); err != nil {
			ctxlog.FromContext(ctx).Warn("Could not cache checksums.", "source", src.Name, "err", err)
		}
	}
	return data, nil
}

// belowFloor reports whether every version matching c is older than floor.
func belowFloor(c, floor version.Version) bool {
	switch c.Parts {
	case 1:
		return c.Major < floor.Major
	case 2:
		return c.Major < floor.Major || (c.Major == floor.Major && c.Minor < floor.Minor)
	default:
		return version.Compare(c, floor) < 0
	}
}

func constraintLabel(c string) string {
	if c == "" {
		return "(any)"
	}
	return version.Normalize(c)
}
