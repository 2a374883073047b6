package verify

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SumsFile is the consolidated checksum file written next to built launchers.
const SumsFile = "SHA256SUMS"

// WriteSums writes a sha256sum-style SumsFile into dir covering files and
// returns its path. Entries are sorted by base name; every file must live in
// dir.
func WriteSums(dir string, files []string) (string, error) {
	names := make([]string, 0, len(files))
	for _, f := range files {
		if filepath.Dir(filepath.Clean(f)) != filepath.Clean(dir) {
			return "", fmt.Errorf("checksums: %s is not in %s", f, dir)
		}
		names = append(names, filepath.Base(f))
	}
	if len(names) == 0 {
		return "", errors.New("checksums: no files")
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		sum, _, err := FileSHA256(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s  %s\n", sum, name)
	}

	out := filepath.Join(dir, SumsFile)
	tmp, err := os.CreateTemp(dir, "."+SumsFile+".*")
	if err != nil {
		return "", fmt.Errorf("create %s: %w", out, err)
	}
	_, writeErr := tmp.WriteString(b.String())
	if err := errors.Join(writeErr, tmp.Close()); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	// #nosec G302 -- checksum files are public
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	return out, nil
}
