package provision

import (
	"context"
	"sync"

	"github.com/3leaps/sciefab/internal/ctxlog"
	"github.com/3leaps/sciefab/internal/host/github"
	"github.com/3leaps/sciefab/internal/model"
)

// Index lists the assets of interpreter releases.
type Index interface {
	Latest(ctx context.Context) (*model.Release, error)
	Release(ctx context.Context, tag string) (*model.Release, error)
}

// GitHubIndex reads releases from the GitHub API. Results are memoized so a
// multi-platform build queries each release once. With a Cache, every
// listing fetched online is persisted, and an offline client reads from the
// cache instead of the network.
type GitHubIndex struct {
	client *github.Client
	repo   string
	Cache  *ReleaseCache

	mu       sync.Mutex
	releases map[string]*model.Release
	latest   string
}

func NewGitHubIndex(client *github.Client, repo string) *GitHubIndex {
	return &GitHubIndex{client: client, repo: repo, releases: make(map[string]*model.Release)}
}

func (g *GitHubIndex) Latest(ctx context.Context) (*model.Release, error) {
	g.mu.Lock()
	if g.latest != "" {
		rel := g.releases[g.latest]
		g.mu.Unlock()
		return rel, nil
	}
	g.mu.Unlock()

	rel, err := g.fetch(ctx, "")
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latest = rel.TagName
	g.releases[rel.TagName] = rel
	return rel, nil
}

func (g *GitHubIndex) Release(ctx context.Context, tag string) (*model.Release, error) {
	g.mu.Lock()
	if rel, ok := g.releases[tag]; ok {
		g.mu.Unlock()
		return rel, nil
	}
	g.mu.Unlock()

	rel, err := g.fetch(ctx, tag)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases[tag] = rel
	return rel, nil
}

func (g *GitHubIndex) fetch(ctx context.Context, tag string) (*model.Release, error) {
	if g.client.Offline && g.Cache != nil {
		if tag == "" {
			return g.Cache.LoadLatest()
		}
		return g.Cache.LoadRelease(tag)
	}
	rel, err := g.client.FetchRelease(ctx, g.repo, tag)
	if err != nil {
		return nil, err
	}
	if g.Cache != nil {
		if err := g.Cache.StoreRelease(rel, tag == ""); err != nil {
			ctxlog.FromContext(ctx).Warn("Could not cache release listing.", "release", rel.TagName, "err", err)
		}
	}
	return rel, nil
}
