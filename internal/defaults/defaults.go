// Package defaults provides embedded copies of the example configuration
// and persona written by the loom init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed persona.example.yaml
var PersonaYAML []byte
