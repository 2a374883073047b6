package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/3leaps/sciefab/internal/schemas"
	"github.com/3leaps/sciefab/pkg/version"
)

//go:embed providers.json
var embeddedProvidersJSON []byte

type InterpreterProvider struct {
	Provider       string `json:"provider"`
	Repo           string `json:"repo"`
	DownloadBase   string `json:"downloadBase"`
	Flavor         string `json:"flavor"`
	MinimumVersion string `json:"minimumVersion"`
}

type AssemblerProvider struct {
	Name           string `json:"name"`
	Repo           string `json:"repo"`
	DownloadBase   string `json:"downloadBase"`
	MinimumVersion string `json:"minimumVersion"`
}

type BootstrapProvider struct {
	Tool         string `json:"tool"`
	OverridesEnv string `json:"overridesEnv"`
	BaseEnv      string `json:"baseEnv"`
}

// Providers describes where interpreters and the assembler tool come from.
type Providers struct {
	Schema      string              `json:"schema"`
	Version     int                 `json:"version"`
	Interpreter InterpreterProvider `json:"interpreter"`
	Assembler   AssemblerProvider   `json:"assembler"`
	Bootstrap   BootstrapProvider   `json:"bootstrap"`
}

var (
	providersOnce sync.Once
	providers     *Providers
	providersErr  error
)

// EmbeddedProviders returns the provider config compiled into the binary.
// The returned value is shared; callers must copy before mutating.
func EmbeddedProviders() (*Providers, error) {
	providersOnce.Do(func() {
		providers, providersErr = ParseProviders(embeddedProvidersJSON)
		if providersErr != nil {
			providersErr = fmt.Errorf("embedded provider config: %w", providersErr)
		}
	})
	return providers, providersErr
}

// ParseProviders decodes and validates a provider config document.
func ParseProviders(data []byte) (*Providers, error) {
	if len(data) == 0 {
		return nil, errors.New("provider config is empty")
	}
	if err := schemas.Validate(schemas.Providers, data); err != nil {
		return nil, err
	}
	var p Providers
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse provider config: %w", err)
	}
	if err := validateProviders(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func validateProviders(p *Providers) error {
	var problems []string

	if _, err := version.Parse(p.Interpreter.MinimumVersion); err != nil {
		problems = append(problems, fmt.Sprintf("interpreter.minimumVersion: %v", err))
	}
	if _, err := version.Parse(p.Assembler.MinimumVersion); err != nil {
		problems = append(problems, fmt.Sprintf("assembler.minimumVersion: %v", err))
	}
	if p.Bootstrap.OverridesEnv == p.Bootstrap.BaseEnv {
		problems = append(problems, "bootstrap: overridesEnv and baseEnv must differ")
	}
	if strings.HasSuffix(p.Interpreter.DownloadBase, "/") || strings.HasSuffix(p.Assembler.DownloadBase, "/") {
		problems = append(problems, "downloadBase: must not end with '/'")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid provider config:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}
