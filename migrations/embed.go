// Package migrations embeds the goose SQL migrations for the Forge database.
package migrations

import "embed"

// FS holds every *.sql migration file, applied in lexical order by goose.
//
//go:embed *.sql
var FS embed.FS
