// Package manifest encodes the two documents a scie build produces: the lift
// manifest handed to the assembler tool (TOML) and the launch manifest that
// travels inside the scie and drives runtime bootstrap (JSON).
package manifest

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Lift is the assembler manifest for one platform.
type Lift struct {
	Lift LiftSpec `toml:"lift"`
}

type LiftSpec struct {
	Name         string        `toml:"name"`
	Description  string        `toml:"description,omitempty"`
	Platforms    []string      `toml:"platforms"`
	Base         string        `toml:"base,omitempty"`
	Interpreters []Interpreter `toml:"interpreters"`
	Files        []File        `toml:"files"`
	Commands     []Command     `toml:"commands"`
	Bootstrap    *Bootstrap    `toml:"bootstrap,omitempty"`
}

// Bootstrap tells a lazy launcher which tool fetches its interpreter and
// which environment variables redirect downloads and the runtime cache.
type Bootstrap struct {
	Tool         string `toml:"tool"`
	OverridesEnv string `toml:"overrides_env"`
	BaseEnv      string `toml:"base_env"`
}

// Interpreter pins the distribution a scie runs on. Lazy interpreters are
// fetched on first run from URL and checked against Digest.
type Interpreter struct {
	ID       string `toml:"id"`
	Provider string `toml:"provider"`
	Release  string `toml:"release"`
	Version  string `toml:"version"`
	Flavor   string `toml:"flavor"`
	Lazy     bool   `toml:"lazy"`
	Filename string `toml:"filename"`
	URL      string `toml:"url"`
	Digest   string `toml:"digest,omitempty"`
	Size     int64  `toml:"size,omitempty"`
}

// File is a file bound on the tool command line with --file name=path.
type File struct {
	Name   string `toml:"name"`
	Digest string `toml:"digest,omitempty"`
}

type Command struct {
	Name string            `toml:"name,omitempty"`
	Exe  string            `toml:"exe"`
	Args []string          `toml:"args,omitempty"`
	Env  map[string]string `toml:"env,omitempty"`
}

// Encode renders l as TOML. Keys are not indented so each "key = value" line
// stands on its own.
func (l *Lift) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(l); err != nil {
		return nil, fmt.Errorf("encode lift manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile encodes l to path.
func (l *Lift) WriteFile(path string) error {
	data, err := l.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write lift manifest: %w", err)
	}
	return nil
}
