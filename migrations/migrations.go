// Package migrations embeds the Postgres schema for the event log and
// projections. Files follow the golang-migrate naming convention.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
