package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenAndMigrate(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	stmt := `CREATE TABLE IF NOT EXISTS things (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`
	if err := Migrate(ctx, db, stmt); err != nil {
		t.Fatal(err)
	}
	// Running twice must be harmless.
	if err := Migrate(ctx, db, stmt); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	if err := Migrate(ctx, db, `CREATE TABLE things (name TEXT NOT NULL)`); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = InTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO things (name) VALUES ('a')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM things`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected rollback to leave 0 rows, got %d", n)
	}
}

func TestNanosRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 8, time.FixedZone("X", 3600))
	got := Time(Nanos(now))
	if !got.Equal(now) {
		t.Errorf("expected %v, got %v", now, got)
	}
	if got.Location() != time.UTC {
		t.Errorf("expected UTC location, got %v", got.Location())
	}
	if NullTime(NullNanos(nil)) != nil {
		t.Error("expected nil round trip")
	}
}
