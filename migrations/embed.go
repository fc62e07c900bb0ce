// Package migrations holds the PostgreSQL schema managed by goose.
package migrations

import "embed"

// FS contains the numbered goose migration files.
//
//go:embed *.sql
var FS embed.FS
