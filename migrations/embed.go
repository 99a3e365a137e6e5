// Package migrations holds the registry schema, embedded into the binary.
package migrations

import "embed"

// FS contains the golang-migrate up/down files.
//
//go:embed *.sql
var FS embed.FS
