// Package selfexe locates the running executable and reads or writes the
// launch manifest trailer carried at its end.
package selfexe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/3leaps/sciefab/internal/manifest"
)

// Executable returns the resolved path of the running binary.
func Executable() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("determine current executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exePath); err == nil {
		exePath = resolved
	}
	return exePath, nil
}

// ReadLaunch returns the launch manifest stamped onto path, or
// manifest.ErrNoTrailer when there is none.
func ReadLaunch(path string) (*manifest.Launch, error) {
	// #nosec G304 -- path is our own executable or a user-named binary
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return manifest.DecodeTrailer(f, info.Size())
}

// Stamp copies the executable at src to dst with l appended as a trailer.
// A trailer already on src is replaced rather than stacked.
func Stamp(src, dst string, l *manifest.Launch) error {
	trailer, err := manifest.EncodeTrailer(l)
	if err != nil {
		return err
	}

	// #nosec G304 -- src is our own executable or a user-named binary
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	payload, err := manifest.PayloadSize(in, info.Size())
	if err != nil {
		return fmt.Errorf("stamp %s: %w", src, err)
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(tmp, io.NewSectionReader(in, 0, payload))
	_, writeErr := tmp.Write(trailer)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, writeErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("stamp %s: %w", dst, err)
	}
	// #nosec G302 -- the stamped file is an executable
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("stamp %s: %w", dst, err)
	}
	return nil
}
