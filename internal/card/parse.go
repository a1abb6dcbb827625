package card

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Parse decodes a document into v. YAML is used when format is "yaml"
// or "yml"; anything else is treated as JSON with comments and trailing
// commas allowed.
func Parse(data []byte, format string, v any) error {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parsing yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
			return fmt.Errorf("parsing json: %w", err)
		}
	}
	return nil
}

// ParseFile reads a card file from disk, choosing the decoder by file
// extension.
func ParseFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := Parse(data, filepath.Ext(path), v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
