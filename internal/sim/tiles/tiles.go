package tiles

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	ChunkW = 16
	ChunkH = 16
)

// Code is a tile type as stored in the sheet.
type Code int

const (
	Empty Code = 0
	Water Code = 1
	Brick Code = 2
	Stone Code = 3
)

// Unknown is what a lookup yields for a tile whose chunk is absent or still loading.
const Unknown = Empty

func (c Code) String() string {
	switch c {
	case Empty:
		return "EMPTY"
	case Water:
		return "WATER"
	case Brick:
		return "BRICK"
	case Stone:
		return "STONE"
	default:
		return fmt.Sprintf("CODE_%d", int(c))
	}
}

type ChunkKey struct {
	CX int
	CY int
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%d,%d", k.CX, k.CY)
}

// Grid holds one chunk's tiles.
type Grid struct {
	Cells []Code // len = ChunkW*ChunkH; x fastest, then y
}

func NewGrid() Grid {
	return Grid{Cells: make([]Code, ChunkW*ChunkH)}
}

func index(x, y int) int {
	return x + y*ChunkW
}

func inChunk(x, y int) bool {
	return x >= 0 && x < ChunkW && y >= 0 && y < ChunkH
}

func (g Grid) Get(x, y int) Code {
	if !inChunk(x, y) || len(g.Cells) != ChunkW*ChunkH {
		return Unknown
	}
	return g.Cells[index(x, y)]
}

func (g Grid) Set(x, y int, c Code) {
	if !inChunk(x, y) || len(g.Cells) != ChunkW*ChunkH {
		return
	}
	g.Cells[index(x, y)] = c
}

// NonEmpty counts tiles that are not Empty.
func (g Grid) NonEmpty() int {
	n := 0
	for _, c := range g.Cells {
		if c != Empty {
			n++
		}
	}
	return n
}

func (g Grid) IsEmpty() bool { return g.NonEmpty() == 0 }

func (g Grid) Equal(o Grid) bool {
	if len(g.Cells) != len(o.Cells) {
		return false
	}
	for i := range g.Cells {
		if g.Cells[i] != o.Cells[i] {
			return false
		}
	}
	return true
}

func (g Grid) Clone() Grid {
	out := Grid{Cells: make([]Code, len(g.Cells))}
	copy(out.Cells, g.Cells)
	return out
}

// Rows returns the grid as ChunkH rows of ChunkW ints, the shape used on disk and on the wire.
func (g Grid) Rows() [][]int {
	rows := make([][]int, ChunkH)
	for y := 0; y < ChunkH; y++ {
		row := make([]int, ChunkW)
		for x := 0; x < ChunkW; x++ {
			row[x] = int(g.Get(x, y))
		}
		rows[y] = row
	}
	return rows
}

// GridFromRows requires exactly ChunkH rows of ChunkW values.
func GridFromRows(rows [][]int) (Grid, error) {
	if len(rows) != ChunkH {
		return Grid{}, fmt.Errorf("grid has %d rows, want %d", len(rows), ChunkH)
	}
	g := NewGrid()
	for y, row := range rows {
		if len(row) != ChunkW {
			return Grid{}, fmt.Errorf("grid row %d has %d cells, want %d", y, len(row), ChunkW)
		}
		for x, v := range row {
			g.Cells[index(x, y)] = Code(v)
		}
	}
	return g, nil
}

// Digest is a sha256 over the little-endian cell values.
func (g Grid) Digest() string {
	h := sha256.New()
	var tmp [4]byte
	for _, c := range g.Cells {
		binary.LittleEndian.PutUint32(tmp[:], uint32(int32(c)))
		h.Write(tmp[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
