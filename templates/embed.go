// Package templates embeds the default configuration and operator notes
// written out by conductor init.
package templates

import "embed"

//go:embed config.yaml runbook.md
var FS embed.FS
