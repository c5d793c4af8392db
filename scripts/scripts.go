// Package scripts embeds the bundled Risor extraction scripts.
package scripts

import "embed"

// FS holds extract/<language>.risor files.
//
//go:embed extract/*.risor
var FS embed.FS

// Bundled lists the languages with an embedded extraction script.
var Bundled = map[string][]string{
	"javascript": {".js", ".jsx", ".mjs"},
}
