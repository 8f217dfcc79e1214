// Package scripts provides embedded training script templates with override support.
package scripts

import "embed"

//go:embed templates/*.py.tmpl
var embeddedFS embed.FS
