// Package dbmigrations exposes embedded SQL migrations for dexsync binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into dexsync binaries.
//
//go:embed *.sql
var Files embed.FS
