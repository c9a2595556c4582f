package chunkcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sheetmap.ai/internal/sim/tiles"
)

func sampleGrid() tiles.Grid {
	g := tiles.NewGrid()
	g.Set(0, 0, tiles.Water)
	g.Set(15, 0, tiles.Brick)
	g.Set(7, 9, tiles.Stone)
	g.Set(15, 15, tiles.Code(42))
	return g
}

func TestFileStore_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		s, err := OpenFileStore(filepath.Join(t.TempDir(), "cache"), compress)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		ctx := context.Background()
		key := tiles.ChunkKey{CX: -3, CY: 7}
		want := sampleGrid()
		if err := s.Save(ctx, key, want); err != nil {
			t.Fatalf("compress=%v save: %v", compress, err)
		}
		got, ok, err := s.Load(ctx, key)
		if err != nil || !ok {
			t.Fatalf("compress=%v load ok=%v err=%v", compress, ok, err)
		}
		if !got.Equal(want) {
			t.Fatalf("compress=%v round trip mismatch", compress)
		}
		if _, err := os.Stat(s.Path(key)); err != nil {
			t.Fatalf("compress=%v expected %s: %v", compress, s.Path(key), err)
		}
	}
}

func TestFileStore_FileLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(context.Background(), tiles.ChunkKey{CX: 2, CY: -1}, sampleGrid()); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "chunk_2_-1.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw[:11]) != `{"values":[` {
		t.Fatalf("unexpected document prefix: %s", raw[:11])
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("entries=%d want 1 (temp files must not linger)", len(entries))
	}
}

func TestFileStore_MissingIsNotFound(t *testing.T) {
	s, err := OpenFileStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	g, ok, err := s.Load(context.Background(), tiles.ChunkKey{CX: 9, CY: 9})
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v want not found", ok, err)
	}
	if len(g.Cells) != 0 {
		t.Fatalf("expected zero value grid on miss")
	}
}

func TestFileStore_ReadsOtherCompression(t *testing.T) {
	dir := t.TempDir()
	plain, _ := OpenFileStore(dir, false)
	key := tiles.ChunkKey{CX: 1, CY: 1}
	if err := plain.Save(context.Background(), key, sampleGrid()); err != nil {
		t.Fatalf("save: %v", err)
	}
	zs, _ := OpenFileStore(dir, true)
	got, ok, err := zs.Load(context.Background(), key)
	if err != nil || !ok || !got.Equal(sampleGrid()) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if err := zs.Save(context.Background(), key, tiles.NewGrid()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(plain.Path(key)); !os.IsNotExist(err) {
		t.Fatalf("stale uncompressed file should be removed, stat err=%v", err)
	}
}

func TestFileStore_CorruptFiles(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"values":[[1,2`,
		"missing key":  `{"tiles":[]}`,
		"short":        `{"values":[[0,0,0]]}`,
		"non integer":  `{"values":[["a"]]}`,
		"wrong object": `[1,2,3]`,
	}
	for name, body := range cases {
		dir := t.TempDir()
		s, _ := OpenFileStore(dir, false)
		key := tiles.ChunkKey{CX: 0, CY: 0}
		if err := os.WriteFile(s.Path(key), []byte(body), 0o644); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		_, ok, err := s.Load(context.Background(), key)
		if !errors.Is(err, tiles.ErrCorrupt) {
			t.Fatalf("%s: err=%v want ErrCorrupt", name, err)
		}
		if ok {
			t.Fatalf("%s: corrupt file must not report ok", name)
		}
	}
}

func TestFileStore_SaveFailureIsPersistError(t *testing.T) {
	dir := t.TempDir()
	s, _ := OpenFileStore(dir, false)
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// A regular file where the directory was makes every temp file creation fail.
	if err := os.WriteFile(dir, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := s.Save(context.Background(), tiles.ChunkKey{}, sampleGrid())
	if !errors.Is(err, tiles.ErrPersist) {
		t.Fatalf("err=%v want ErrPersist", err)
	}
}
