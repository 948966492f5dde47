// Package migrations embeds the Postgres schema for the audit sink.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
