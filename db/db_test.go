package db_test

import (
	"context"
	"testing"

	"github.com/sw2719/multi-chzzk-recorder/db"
	"github.com/sw2719/multi-chzzk-recorder/testutil"
)

func TestMigrateIsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	// SetupTestDB already migrated once; a second run must be a no-op.
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.SetKV(ctx, database, "test_key", "v1"); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetKV(ctx, database, "test_key")
	if err != nil {
		t.Fatal(err)
	}
	if got != "v1" {
		t.Errorf("GetKV = %q, want v1", got)
	}

	// Upsert overwrites.
	if err := db.SetKV(ctx, database, "test_key", "v2"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetKV(ctx, database, "test_key"); got != "v2" {
		t.Errorf("GetKV after upsert = %q, want v2", got)
	}
}

func TestGetKVMissing(t *testing.T) {
	database := testutil.SetupTestDB(t)
	got, err := db.GetKV(context.Background(), database, "never_set")
	if err != nil {
		t.Fatalf("GetKV on missing key errored: %v", err)
	}
	if got != "" {
		t.Errorf("GetKV = %q, want empty", got)
	}
}
