package provision

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/schemas"
)

// Overrides redirects assets by filename. Only the fetch location changes;
// the filename and digest are kept.
type Overrides map[string]string

// Apply returns ref with its override URL set when the table names its
// filename.
func (o Overrides) Apply(ref model.AssetReference) model.AssetReference {
	if url, ok := o[ref.Filename]; ok && url != "" {
		ref.OverrideURL = url
	}
	return ref
}

// Merge returns a new table holding o overlaid with other.
func (o Overrides) Merge(other Overrides) Overrides {
	out := make(Overrides, len(o)+len(other))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// LoadOverrides reads an override file of the form {tool: {filename: url}}
// and returns the table for tool. A missing tool section yields an empty
// table.
func LoadOverrides(path, tool string) (Overrides, error) {
	// #nosec G304 -- path is user-provided override file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overrides: %w", err)
	}
	return ParseOverrides(data, tool)
}

func ParseOverrides(data []byte, tool string) (Overrides, error) {
	if err := schemas.Validate(schemas.Overrides, data); err != nil {
		return nil, fmt.Errorf("invalid overrides: %w", err)
	}
	var doc map[string]Overrides
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse overrides: %w", err)
	}
	if doc[tool] == nil {
		return Overrides{}, nil
	}
	return doc[tool], nil
}

// EncodeOverrides renders a table in the file format LoadOverrides reads.
func EncodeOverrides(tool string, o Overrides) ([]byte, error) {
	return json.MarshalIndent(map[string]Overrides{tool: o}, "", "  ")
}
