// Package configs embeds the annotated configuration template written by
// `evermem config init`.
//
// The template lists every key with its default value, so a new file
// loads to exactly the built-in defaults. Edit config.example.yaml and
// rebuild to change it; see internal/config Load for the lookup order.
package configs

import _ "embed"

// ConfigTemplate is the annotated config file created by `evermem config init`.
//
//go:embed config.example.yaml
var ConfigTemplate string
