package manifest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/schemas"
)

// LaunchFile is the name the launch manifest is embedded under in a scie.
const LaunchFile = "sciefab-launch.json"

const (
	trailerMagic = "SCIEMFT1"
	trailerSize  = 8 + len(trailerMagic)
	// maxLaunchSize bounds what DecodeTrailer will read from an executable.
	maxLaunchSize = 1 << 20
)

// ErrNoTrailer means the data carries no launch manifest trailer.
var ErrNoTrailer = errors.New("no launch manifest trailer")

// Launch is everything the runtime bootstrap needs to fetch, verify, and run
// a lazily provisioned interpreter.
type Launch struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Style    string `json:"style,omitempty"`
	Tool     string `json:"tool"`
	// Archive is the file name of the application archive, expanded for
	// "{archive}" in the entry.
	Archive string                `json:"archive,omitempty"`
	Asset   LaunchAsset           `json:"asset"`
	Entry   model.EntryDescriptor `json:"entry"`
	// OverridesEnv names the variable pointing at a URL override file.
	OverridesEnv string `json:"overrides_env,omitempty"`
	// BaseEnv names the variable overriding the runtime cache base.
	BaseEnv string `json:"base_env,omitempty"`
}

type LaunchAsset struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Digest   string `json:"digest"`
	Size     int64  `json:"size,omitempty"`
}

// NewLaunchAsset captures the fetch location and digest of ref.
func NewLaunchAsset(ref model.AssetReference) LaunchAsset {
	return LaunchAsset{Filename: ref.Filename, URL: ref.URL(), Digest: ref.Digest, Size: ref.Size}
}

func (l *Launch) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode launch manifest: %w", err)
	}
	if err := schemas.Validate(schemas.Launch, data); err != nil {
		return nil, fmt.Errorf("encode launch manifest: %w", err)
	}
	return data, nil
}

// DecodeLaunch parses and validates a launch manifest.
func DecodeLaunch(data []byte) (*Launch, error) {
	if err := schemas.Validate(schemas.Launch, data); err != nil {
		return nil, fmt.Errorf("invalid launch manifest: %w", err)
	}
	var l Launch
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode launch manifest: %w", err)
	}
	return &l, nil
}

// EncodeTrailer renders l in the form appended to an executable:
// <json><length u64 little endian><magic>.
func EncodeTrailer(l *Launch) ([]byte, error) {
	data, err := l.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+trailerSize)
	out = append(out, data...)
	out = binary.LittleEndian.AppendUint64(out, uint64(len(data)))
	return append(out, trailerMagic...), nil
}

// DecodeTrailer reads a launch manifest from the end of r, which has the
// given total size.
func DecodeTrailer(r io.ReaderAt, size int64) (*Launch, error) {
	data, err := readTrailer(r, size)
	if err != nil {
		return nil, err
	}
	return DecodeLaunch(data)
}

// PayloadSize is the length of r without any launch manifest trailer.
func PayloadSize(r io.ReaderAt, size int64) (int64, error) {
	data, err := readTrailer(r, size)
	if errors.Is(err, ErrNoTrailer) {
		return size, nil
	}
	if err != nil {
		return 0, err
	}
	return size - int64(trailerSize) - int64(len(data)), nil
}

func readTrailer(r io.ReaderAt, size int64) ([]byte, error) {
	if size < int64(trailerSize) {
		return nil, ErrNoTrailer
	}
	tail := make([]byte, trailerSize)
	if _, err := r.ReadAt(tail, size-int64(trailerSize)); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}
	if !bytes.Equal(tail[8:], []byte(trailerMagic)) {
		return nil, ErrNoTrailer
	}
	n := binary.LittleEndian.Uint64(tail[:8])
	if n == 0 || n > maxLaunchSize || int64(n) > size-int64(trailerSize) {
		return nil, fmt.Errorf("read trailer: implausible manifest length %d", n)
	}
	data := make([]byte, n)
	if _, err := r.ReadAt(data, size-int64(trailerSize)-int64(n)); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}
	return data, nil
}
