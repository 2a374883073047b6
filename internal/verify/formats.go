package verify

import (
	"strings"

	"github.com/3leaps/sciefab/internal/model"
)

func DetectChecksumAlgorithm(filename, defaultAlgo string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.Contains(lower, "sha2-512sums"),
		strings.Contains(lower, "sha512sums"),
		strings.HasSuffix(lower, ".sha512"),
		strings.HasSuffix(lower, ".sha512.txt"):
		return "sha512"
	case strings.Contains(lower, "sha2-256sums"),
		strings.Contains(lower, "sha256sums"),
		strings.HasSuffix(lower, ".sha256"),
		strings.HasSuffix(lower, ".sha256.txt"):
		return "sha256"
	default:
		return defaultAlgo
	}
}

var consolidatedSHA256 = []string{"SHA256SUMS", "SHA256SUMS.txt", "sha256sums.txt", "checksums.txt"}

// FindChecksumAsset picks the release asset carrying the sha256 digest of
// assetName. A per-asset "<name>.sha256" file wins over consolidated lists.
// Only sha256 sources are considered.
func FindChecksumAsset(rel *model.Release, assetName string) *model.Asset {
	if rel == nil {
		return nil
	}
	if a := rel.FindAsset(assetName + ".sha256"); a != nil {
		return a
	}
	for _, name := range consolidatedSHA256 {
		if a := rel.FindAsset(name); a != nil && DetectChecksumAlgorithm(name, "sha256") == "sha256" {
			return a
		}
	}
	return nil
}
