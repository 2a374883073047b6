package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedTarget: no distribution exists for a platform/release/version.
	ErrUnsupportedTarget = errors.New("unsupported target")
	// ErrVersionResolution: a version constraint has no concrete release asset.
	ErrVersionResolution = errors.New("version resolution failed")
	// ErrToolResolution: the assembler tool could not be obtained or is too old.
	ErrToolResolution = errors.New("assembler tool resolution failed")
	// ErrIntegrity: downloaded bytes do not match the expected digest.
	ErrIntegrity = errors.New("integrity check failed")
)

// ProviderError reports an interpreter provider failure for one target. Kind
// is one of ErrUnsupportedTarget or ErrVersionResolution.
type ProviderError struct {
	Kind    error
	Message string
}

func (e *ProviderError) Error() string {
	return "Provider: " + e.Message
}

func (e *ProviderError) Is(target error) bool {
	return target == e.Kind
}

// NewUnsupportedTarget formats an ErrUnsupportedTarget provider error.
func NewUnsupportedTarget(format string, args ...any) error {
	return &ProviderError{Kind: ErrUnsupportedTarget, Message: fmt.Sprintf(format, args...)}
}

// NewVersionResolution formats an ErrVersionResolution provider error.
func NewVersionResolution(format string, args ...any) error {
	return &ProviderError{Kind: ErrVersionResolution, Message: fmt.Sprintf(format, args...)}
}

// ToolError wraps an assembler tool failure.
type ToolError struct {
	Source string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("assembler tool: %v", e.Err)
	}
	return fmt.Sprintf("assembler tool from %s: %v", e.Source, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

func (e *ToolError) Is(target error) bool {
	return target == ErrToolResolution
}

// IntegrityError names the file whose digest did not match.
type IntegrityError struct {
	Path     string
	Size     int64
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("The %s destination %s of size %d had unexpected hash: %s\nexpected: %s",
		archiveKind(e.Path), e.Path, e.Size, e.Actual, e.Expected)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

func archiveKind(path string) string {
	lower := strings.ToLower(filepath.Base(path))
	for _, ext := range []string{".tar.gz", ".tar.xz", ".tar.zst", ".tgz", ".zip"} {
		if strings.HasSuffix(lower, ext) {
			return strings.TrimPrefix(ext, ".")
		}
	}
	return "file"
}
