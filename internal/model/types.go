package model

import (
	"github.com/3leaps/sciefab/internal/platform"
)

// Release is the subset of the GitHub release payload used by the
// interpreter and assembler indexes.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Asset is the subset of the GitHub release asset payload we use.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadUrl string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// FindAsset returns the asset with the exact name, or nil.
func (r *Release) FindAsset(name string) *Asset {
	for i := range r.Assets {
		if r.Assets[i].Name == name {
			return &r.Assets[i]
		}
	}
	return nil
}

// InterpreterSpec is the concrete interpreter selected for one platform of a
// build.
type InterpreterSpec struct {
	Release  string            `json:"release"`
	Version  string            `json:"version"`
	Platform platform.Platform `json:"platform"`
}

// AssetReference locates one interpreter distribution. Filename never changes
// once computed; only the fetch location can be overridden.
type AssetReference struct {
	Spec        InterpreterSpec `json:"spec"`
	Filename    string          `json:"filename"`
	DefaultURL  string          `json:"default_url"`
	OverrideURL string          `json:"override_url,omitempty"`
	Digest      string          `json:"digest,omitempty"` // lowercase hex sha256
	Size        int64           `json:"size,omitempty"`
}

// URL is the effective fetch location.
func (a AssetReference) URL() string {
	if a.OverrideURL != "" {
		return a.OverrideURL
	}
	return a.DefaultURL
}

// AssemblerToolSpec selects the assembler binary. URL wins over Version; with
// neither set the latest release satisfying the minimum version is used.
type AssemblerToolSpec struct {
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	URL         string `json:"url,omitempty" yaml:"url,omitempty"`
	MinisignKey string `json:"minisign_key,omitempty" yaml:"minisign_key,omitempty"`
}

// EntryDescriptor is the opaque command a scie runs once its interpreter is
// ready. "{runtime}" in Exe, Args and Env values expands to the interpreter
// directory; "{archive}" expands to the application archive.
type EntryDescriptor struct {
	Exe  string            `json:"exe" yaml:"exe" toml:"exe"`
	Args []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
}

// PlatformOverride replaces the request-wide interpreter version or entry
// for one platform. Empty fields keep the request-wide value.
type PlatformOverride struct {
	Version string
	Entry   EntryDescriptor
}

// BuildRequest describes one scie build invocation.
type BuildRequest struct {
	ArchivePath string
	Name        string
	Platforms   []platform.Platform
	Style       platform.Style
	Release     string
	Version     string
	Entry       EntryDescriptor
	PerPlatform map[platform.Platform]PlatformOverride
	OutputDir   string
	ForceSuffix bool
	Tool        AssemblerToolSpec
	Overrides   map[string]string
}

// VersionFor is the interpreter version constraint for p.
func (r BuildRequest) VersionFor(p platform.Platform) string {
	if o, ok := r.PerPlatform[p]; ok && o.Version != "" {
		return o.Version
	}
	return r.Version
}

// EntryFor is the entry for p; an empty result means the default entry.
func (r BuildRequest) EntryFor(p platform.Platform) EntryDescriptor {
	if o, ok := r.PerPlatform[p]; ok && o.Entry.Exe != "" {
		return o.Entry
	}
	return r.Entry
}

// BuildArtifact is one launcher written by a build.
type BuildArtifact struct {
	Platform platform.Platform `json:"platform"`
	Path     string            `json:"path"`
	Asset    AssetReference    `json:"asset"`
}
