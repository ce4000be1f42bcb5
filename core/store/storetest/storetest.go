// Package storetest opens migrated sqlite databases for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"evidence-ledger/config"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"
)

func NewDB(t testing.TB) *store.DB {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: "sqlite",
		DBURL:    filepath.Join(t.TempDir(), "ledger.db"),
	}
	db, err := store.NewDB(cfg, utils.NewNopLogger())
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, utils.NewNopLogger()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
