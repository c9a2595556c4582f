package tiles

import "testing"

func TestColumnLabel(t *testing.T) {
	cases := map[int]string{
		0:   "A",
		1:   "B",
		25:  "Z",
		26:  "AA",
		27:  "AB",
		51:  "AZ",
		52:  "BA",
		701: "ZZ",
		702: "AAA",
	}
	for idx, want := range cases {
		if got := ColumnLabel(idx); got != want {
			t.Fatalf("ColumnLabel(%d)=%q want %q", idx, got, want)
		}
		back, ok := ColumnIndex(want)
		if !ok || back != idx {
			t.Fatalf("ColumnIndex(%q)=%d,%v want %d", want, back, ok, idx)
		}
	}
	if got := ColumnLabel(-1); got != "" {
		t.Fatalf("ColumnLabel(-1)=%q want empty", got)
	}
	if _, ok := ColumnIndex("A1"); ok {
		t.Fatalf("expected ColumnIndex to reject A1")
	}
}

func TestTileToChunk_FloorsNegative(t *testing.T) {
	cases := []struct {
		x, y int
		want ChunkKey
	}{
		{0, 0, ChunkKey{0, 0}},
		{15, 15, ChunkKey{0, 0}},
		{16, 0, ChunkKey{1, 0}},
		{-1, 0, ChunkKey{-1, 0}},
		{-16, -17, ChunkKey{-1, -2}},
		{-17, 31, ChunkKey{-2, 1}},
	}
	for _, c := range cases {
		if got := TileToChunk(c.x, c.y); got != c.want {
			t.Fatalf("TileToChunk(%d,%d)=%v want %v", c.x, c.y, got, c.want)
		}
	}

	lx, ly := LocalIndex(-1, -16)
	if lx != 15 || ly != 0 {
		t.Fatalf("LocalIndex(-1,-16)=(%d,%d) want (15,0)", lx, ly)
	}
}

func TestChunkToCellRange(t *testing.T) {
	r, ok := ChunkToCellRange(ChunkKey{0, 0})
	if !ok {
		t.Fatalf("expected chunk 0,0 to map to cells")
	}
	if got := r.A1("Sheet1"); got != "Sheet1!A1:P16" {
		t.Fatalf("A1=%q", got)
	}

	r, _ = ChunkToCellRange(ChunkKey{2, 1})
	if got := r.String(); got != "AG17:AV32" {
		t.Fatalf("range=%q want AG17:AV32", got)
	}
	if got := r.A1("my map's"); got != "'my map''s'!AG17:AV32" {
		t.Fatalf("quoted=%q", got)
	}

	if _, ok := ChunkToCellRange(ChunkKey{-1, 0}); ok {
		t.Fatalf("expected negative chunk to be off-sheet")
	}
}

func TestWindow(t *testing.T) {
	w := Window(ChunkKey{0, 0}, 1)
	if len(w) != 9 {
		t.Fatalf("len=%d want 9", len(w))
	}
	if w[0] != (ChunkKey{-1, -1}) || w[8] != (ChunkKey{1, 1}) {
		t.Fatalf("unexpected window order: first=%v last=%v", w[0], w[8])
	}
	for _, k := range w {
		if !InWindow(k, ChunkKey{0, 0}, 1) {
			t.Fatalf("%v not in window", k)
		}
	}
	if InWindow(ChunkKey{2, 0}, ChunkKey{0, 0}, 1) {
		t.Fatalf("2,0 should be outside radius 1")
	}
	if d := Distance(ChunkKey{-3, 1}, ChunkKey{1, 2}); d != 4 {
		t.Fatalf("distance=%d want 4", d)
	}
}

func TestGridRowsRoundTrip(t *testing.T) {
	g := NewGrid()
	g.Set(0, 0, Water)
	g.Set(15, 15, Brick)
	g.Set(3, 7, Stone)

	back, err := GridFromRows(g.Rows())
	if err != nil {
		t.Fatalf("GridFromRows: %v", err)
	}
	if !back.Equal(g) {
		t.Fatalf("grid mismatch after rows round trip")
	}
	if back.Digest() != g.Digest() {
		t.Fatalf("digest mismatch")
	}
	if g.NonEmpty() != 3 || g.IsEmpty() {
		t.Fatalf("NonEmpty=%d", g.NonEmpty())
	}

	if _, err := GridFromRows([][]int{{1, 2}}); err == nil {
		t.Fatalf("expected error for short grid")
	}
	if got := (Grid{}).Get(0, 0); got != Unknown {
		t.Fatalf("zero grid Get=%v want Unknown", got)
	}
}
