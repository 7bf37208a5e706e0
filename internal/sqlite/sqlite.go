// Package sqlite opens the agent's script database.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens or creates the database file in WAL mode and checks that it is usable.
// The handle holds one connection: script writes are rare and SQLite allows one writer.
func Open(file string) (*sql.DB, error) {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_txlock", "immediate")
	params.Set("_foreign_keys", "on")

	db, err := sql.Open("sqlite3", "file:"+file+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening script database %q: %w", file, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening script database %q: %w", file, err)
	}
	if !strings.EqualFold(mode, "wal") {
		db.Close()
		return nil, fmt.Errorf("script database %q is in %s journal mode, want wal", file, mode)
	}
	return db, nil
}
