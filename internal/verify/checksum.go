package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/sciefab/internal/model"
)

// ExtractChecksum finds the digest for assetName in a checksum file. The file
// may hold a bare digest or sha256sum-style "<digest>  <name>" lines.
func ExtractChecksum(data []byte, algo, assetName string) (string, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("checksum file is empty")
	}
	digestLen := expectedDigestLength(algo)
	if isHexDigest(text, digestLen) {
		return strings.ToLower(text), nil
	}

	lines := strings.Split(text, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		digest := fields[0]
		if !isHexDigest(digest, digestLen) {
			continue
		}
		// sha256sum marks binary mode with a leading '*'.
		candidate := filepath.Base(strings.TrimPrefix(fields[len(fields)-1], "*"))
		if candidate == assetName {
			return strings.ToLower(digest), nil
		}
	}

	return "", fmt.Errorf("checksum for %s not found", assetName)
}

// IsSHA256 reports whether s is a 64 character hex digest.
func IsSHA256(s string) bool {
	return isHexDigest(s, 64)
}

// FileSHA256 hashes the file at path.
func FileSHA256(path string) (digest string, size int64, err error) {
	// #nosec G304 -- path is a file this process wrote or was asked to verify
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	size, err = io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// CheckDigest compares an observed digest against the expected one and
// returns a *model.IntegrityError on mismatch.
func CheckDigest(path string, size int64, expected, actual string) error {
	if strings.EqualFold(expected, actual) {
		return nil
	}
	return &model.IntegrityError{
		Path:     path,
		Size:     size,
		Expected: strings.ToLower(expected),
		Actual:   strings.ToLower(actual),
	}
}

func isHexDigest(value string, expectedLen int) bool {
	if expectedLen > 0 && len(value) != expectedLen {
		return false
	}
	if len(value) == 0 || len(value)%2 != 0 {
		return false
	}
	for _, ch := range value {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') && (ch < 'A' || ch > 'F') {
			return false
		}
	}
	return true
}

func expectedDigestLength(algo string) int {
	switch strings.ToLower(algo) {
	case "sha256":
		return 64
	case "sha512":
		return 128
	default:
		return 0
	}
}
