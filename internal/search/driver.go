//go:build !(sqlite_vec && cgo)

package search

import (
	_ "modernc.org/sqlite" // pure-Go driver, no cgo required
)

const sqliteDriver = "sqlite"
