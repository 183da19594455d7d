// Package testing provides shared test fixtures for packages that need
// a real database file with the production schema applied.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/quantfold/helmsman/internal/database"
)

// NewTestDB opens a temp-dir database under the given name with its
// embedded schema migrated. Known names: runstate, ledger, cache;
// other names get an empty database. Cleanup is registered on t.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profileFor(name),
		Name:    name,
	})
	if err != nil {
		t.Fatalf("failed to open test database %s: %v", name, err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database %s: %v", name, err)
	}
	return db
}

func profileFor(name string) database.DatabaseProfile {
	switch name {
	case "ledger":
		return database.ProfileLedger
	case "cache":
		return database.ProfileCache
	default:
		return database.ProfileStandard
	}
}
