package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/sciefab/internal/model"
)

// BuildFile is the optional YAML description of a build. Every field can be
// overridden on the command line.
type BuildFile struct {
	Archive       string                `yaml:"archive"`
	Name          string                `yaml:"name"`
	Platforms     []string              `yaml:"platforms"`
	Style         string                `yaml:"style"`
	Release       string                `yaml:"release"`
	PythonVersion string                `yaml:"python_version"`
	OutputDir     string                `yaml:"output_dir"`
	ForceSuffix   bool                  `yaml:"force_suffix"`
	Checksums     bool                  `yaml:"checksums"`
	Entry         model.EntryDescriptor `yaml:"entry"`
	// PerPlatform is keyed by platform token.
	PerPlatform map[string]PlatformSection `yaml:"per_platform"`
	Science     model.AssemblerToolSpec    `yaml:"science"`
	Overrides   map[string]string          `yaml:"overrides"`
	Publish     PublishSection             `yaml:"publish"`
}

// PlatformSection overrides the interpreter version or entry for one
// platform.
type PlatformSection struct {
	PythonVersion string                `yaml:"python_version"`
	Entry         model.EntryDescriptor `yaml:"entry"`
}

// PublishSection configures optional artifact upload.
type PublishSection struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    *bool  `yaml:"use_ssl"`
}

// LoadBuildFile reads a YAML build file. Unknown keys are rejected so typos
// do not silently fall back to defaults.
func LoadBuildFile(path string) (*BuildFile, error) {
	// #nosec G304 -- path is user-provided build file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build file: %w", err)
	}
	return ParseBuildFile(data)
}

func ParseBuildFile(data []byte) (*BuildFile, error) {
	var bf BuildFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&bf); err != nil {
		if errors.Is(err, io.EOF) {
			return &bf, nil
		}
		return nil, fmt.Errorf("parse build file: %w", err)
	}
	return &bf, nil
}
