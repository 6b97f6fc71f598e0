// Package migrations embeds the goose SQL migrations so the migrate command
// and integration tests apply the same schema without locating files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
