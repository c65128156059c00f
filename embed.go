package filewatch

import "embed"

// EmbeddedConfigFS provides the default settings file.
//
//go:embed config/filewatch.toml
var EmbeddedConfigFS embed.FS

// DefaultConfigPath is the location of the defaults inside EmbeddedConfigFS.
const DefaultConfigPath = "config/filewatch.toml"
