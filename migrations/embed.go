// Package migrations embeds the goose SQL migrations for every supported
// database dialect. Each dialect lives in its own directory.
package migrations

import "embed"

// FS holds the migration files, addressed as "<dialect>/<file>.sql".
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
