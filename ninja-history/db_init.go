package main

import (
	ninja_go "ninja-hashbuild/ninja-go"
)

// OpenDb opens the history database for writing, creating and migrating
// its tables the same way ninja does, so the service can start before the
// first build is recorded.
func OpenDb(dbPath string) (*ninja_go.HistoryStore, error) {
	return ninja_go.OpenHistory(dbPath)
}
