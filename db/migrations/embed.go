// Package dbmigrations exposes the embedded SQL migrations of the order journal.
package dbmigrations

import "embed"

// Files contains the journal schema migrations in golang-migrate naming.
//
//go:embed *.sql
var Files embed.FS
