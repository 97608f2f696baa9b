package config

import (
	_ "embed"
)

//go:embed defaults/texts.yaml
var defaultTextsYAML []byte

// DefaultTextsYAML returns the embedded default text catalogue.
func DefaultTextsYAML() []byte {
	return defaultTextsYAML
}
