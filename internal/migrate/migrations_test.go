package migrate

import (
	"testing"

	"cardline/internal/db"
)

func TestMigrateRecordsVersionsAndIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i+1, err)
		}
	}
	all, err := steps()
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	var count, latest int
	if err := conn.QueryRow(`SELECT COUNT(1), COALESCE(MAX(version),0) FROM schema_migrations`).Scan(&count, &latest); err != nil {
		t.Fatalf("read schema_migrations: %v", err)
	}
	if count != len(all) || latest != all[len(all)-1].version {
		t.Fatalf("expected %d migrations up to %d, got %d up to %d", len(all), all[len(all)-1].version, count, latest)
	}
	var cards int
	if err := conn.QueryRow(`SELECT COUNT(1) FROM cards`).Scan(&cards); err != nil {
		t.Fatalf("cards table missing: %v", err)
	}
}
