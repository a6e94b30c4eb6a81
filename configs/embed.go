// Package configs embeds the commented configuration templates written by
// 'pdfrag config init'.
package configs

import _ "embed"

// ProjectConfigTemplate is written to .pdfrag.yaml in the project root.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string

// UserConfigTemplate is written to the user config path with --user.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string
