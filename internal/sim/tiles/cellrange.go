package tiles

import (
	"fmt"
	"strings"
)

// ColumnLabel converts a 0-based column index to its bijective base-26 label (0 -> A, 26 -> AA).
func ColumnLabel(index int) string {
	if index < 0 {
		return ""
	}
	var buf [16]byte
	n := len(buf)
	for v := index + 1; v > 0; v = (v - 1) / 26 {
		n--
		buf[n] = byte('A' + (v-1)%26)
	}
	return string(buf[n:])
}

// ColumnIndex is the inverse of ColumnLabel. Lowercase letters are accepted.
func ColumnIndex(label string) (int, bool) {
	if label == "" {
		return 0, false
	}
	v := 0
	for _, r := range strings.ToUpper(label) {
		if r < 'A' || r > 'Z' {
			return 0, false
		}
		v = v*26 + int(r-'A') + 1
	}
	return v - 1, true
}

// CellRange is a rectangle of sheet cells. Columns are 0-based, rows 1-based, both inclusive.
type CellRange struct {
	StartCol int
	StartRow int
	EndCol   int
	EndRow   int
}

// ChunkToCellRange maps a chunk onto the sheet. Chunks left of column A or above row 1 have no
// cells and return ok=false.
func ChunkToCellRange(k ChunkKey) (CellRange, bool) {
	if k.CX < 0 || k.CY < 0 {
		return CellRange{}, false
	}
	x0, y0 := k.Origin()
	return CellRange{
		StartCol: x0,
		StartRow: y0 + 1,
		EndCol:   x0 + ChunkW - 1,
		EndRow:   y0 + ChunkH,
	}, true
}

func (r CellRange) String() string {
	return fmt.Sprintf("%s%d:%s%d", ColumnLabel(r.StartCol), r.StartRow, ColumnLabel(r.EndCol), r.EndRow)
}

// A1 renders the range with its sheet prefix, e.g. 'Map 1'!A1:P16.
func (r CellRange) A1(sheet string) string {
	if sheet == "" {
		return r.String()
	}
	return quoteSheet(sheet) + "!" + r.String()
}

func quoteSheet(name string) string {
	plain := true
	for _, c := range name {
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			plain = false
			break
		}
	}
	if plain {
		return name
	}
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}
