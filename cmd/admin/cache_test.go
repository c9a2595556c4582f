package main

import (
	"context"
	"testing"
	"time"

	"sheetmap.ai/internal/persistence/chunkcache"
	"sheetmap.ai/internal/persistence/sheets"
	"sheetmap.ai/internal/sim/tiles"
)

func TestPrefetchOne_OffSheetChunkIsCachedEmpty(t *testing.T) {
	client, err := sheets.New(sheets.Config{
		BaseURL:       "http://127.0.0.1:1",
		SpreadsheetID: "sheet",
		APIKey:        "key",
	})
	if err != nil {
		t.Fatalf("sheets.New: %v", err)
	}
	store, err := chunkcache.OpenFileStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}

	key := tiles.ChunkKey{CX: -1, CY: 0}
	res := prefetchOne(context.Background(), client, store, key)
	if res.Content != "EMPTY" || res.Error != "" || res.NonEmpty != 0 {
		t.Fatalf("result=%+v", res)
	}
	g, ok, err := store.Load(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("Load ok=%v err=%v", ok, err)
	}
	if g.NonEmpty() != 0 {
		t.Fatalf("cached grid not empty: %d", g.NonEmpty())
	}
}

func TestAge(t *testing.T) {
	if got := age("not-a-time"); got != "not-a-time" {
		t.Fatalf("age(raw)=%q", got)
	}
	ts := time.Now().Add(-3 * time.Hour).UTC().Format(time.RFC3339Nano)
	if got := age(ts); got != "3 hours ago" {
		t.Fatalf("age=%q", got)
	}
}
