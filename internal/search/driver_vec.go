//go:build sqlite_vec && cgo

package search

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// With the sqlite_vec tag the index runs on the cgo driver with the
// sqlite-vec extension auto-loaded, so vector scans can move into SQL
// instead of the in-memory scan.
const sqliteDriver = "sqlite3"

func init() {
	vec.Auto()
}
