// Package planfile reads plan documents in JSON, YAML or HCL into
// schema.PlanDefinition values.
package planfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/orchestra/pkg/schema"
)

// Format is a plan document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "cannot infer plan format from %q", path)
	}
}

// ParseFormat accepts "json", "yaml", "yml" or "hcl", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "hcl":
		return FormatHCL, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown plan format %q", s)
	}
}

// Load reads and parses the plan document at path.
func Load(path string) (*schema.PlanDefinition, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return parse(data, format, path)
}

// Parse decodes a plan document. Unknown fields are rejected.
func Parse(data []byte, format Format) (*schema.PlanDefinition, error) {
	return parse(data, format, "plan."+string(format))
}

func parse(data []byte, format Format, name string) (*schema.PlanDefinition, error) {
	switch format {
	case FormatJSON:
		return parseJSON(data)
	case FormatYAML:
		return parseYAML(data)
	case FormatHCL:
		return parseHCL(data, name)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown plan format %q", format)
	}
}

func parseJSON(data []byte) (*schema.PlanDefinition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var def schema.PlanDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid plan document: "+err.Error()).WithCause(err)
	}
	return &def, nil
}

// parseYAML decodes into generic values and reuses the JSON field mapping,
// so both formats share one set of field names.
func parseYAML(data []byte) (*schema.PlanDefinition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid plan document: "+err.Error()).WithCause(err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan document must be a mapping")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid plan document: "+err.Error()).WithCause(err)
	}
	return parseJSON(raw)
}
