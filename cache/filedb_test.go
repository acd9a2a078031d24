package cache

import (
	"testing"
	"time"
)

func TestFileDBRoundTrip(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, "amd64")
	if err != nil {
		t.Fatal(err)
	}
	rec := &FileRecord{
		Path:          "/src/foo.c",
		LastWriteTime: time.Unix(1700000000, 0),
		ImplicitDeps:  nil,
	}
	if err := db.Upsert(rec); err != nil {
		t.Fatal(err)
	}
	if err := db.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Open(dir, "amd64")
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reloaded.Lookup("/src/foo.c")
	if !ok {
		t.Fatal("expected /src/foo.c to survive save/load")
	}
	if !got.LastWriteTime.Equal(rec.LastWriteTime) {
		t.Errorf("LastWriteTime = %v, want %v", got.LastWriteTime, rec.LastWriteTime)
	}
}

func TestFileDBMissingSnapshotIsNoop(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "amd64")
	if err != nil {
		t.Fatalf("Open with no prior snapshot should succeed: %v", err)
	}
	if _, ok := db.Lookup("/nope"); ok {
		t.Error("empty database should have no records")
	}
}

func TestFileDBUpsertTakesGreatestLastWriteTime(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, "amd64")
	if err != nil {
		t.Fatal(err)
	}
	older := time.Unix(100, 0)
	newer := time.Unix(200, 0)
	if err := db.Upsert(&FileRecord{Path: "/a", LastWriteTime: newer}); err != nil {
		t.Fatal(err)
	}
	if err := db.Upsert(&FileRecord{Path: "/a", LastWriteTime: older}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Lookup("/a")
	if !got.LastWriteTime.Equal(newer) {
		t.Errorf("expected the greatest last-write-time to win, got %v", got.LastWriteTime)
	}
}

func TestCommandDBHitMiss(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenCommandDB(dir)
	if err != nil {
		t.Fatal(err)
	}
	const key = uint64(0xdeadbeef)
	if _, ok := db.Lookup(key); ok {
		t.Fatal("fresh database should have no hit")
	}
	if err := db.Upsert(key, 0x1234); err != nil {
		t.Fatal(err)
	}
	got, ok := db.Lookup(key)
	if !ok || got != 0x1234 {
		t.Errorf("Lookup(key) = %v, %v, want 0x1234, true", got, ok)
	}
	if err := db.Save(); err != nil {
		t.Fatal(err)
	}
	reloaded, err := OpenCommandDB(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, ok = reloaded.Lookup(key)
	if !ok || got != 0x1234 {
		t.Errorf("after reload, Lookup(key) = %v, %v, want 0x1234, true", got, ok)
	}
}
