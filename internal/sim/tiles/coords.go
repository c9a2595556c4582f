package tiles

func floorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// TileToChunk rounds toward negative infinity so tile -1 belongs to chunk -1.
func TileToChunk(tileX, tileY int) ChunkKey {
	return ChunkKey{CX: floorDiv(tileX, ChunkW), CY: floorDiv(tileY, ChunkH)}
}

// LocalIndex is the tile's position inside its chunk.
func LocalIndex(tileX, tileY int) (lx, ly int) {
	return mod(tileX, ChunkW), mod(tileY, ChunkH)
}

// Origin is the world tile coordinate of the chunk's top-left tile.
func (k ChunkKey) Origin() (tileX, tileY int) {
	return k.CX * ChunkW, k.CY * ChunkH
}

// Distance is the Chebyshev distance in chunks.
func Distance(a, b ChunkKey) int {
	dx := absInt(a.CX - b.CX)
	dy := absInt(a.CY - b.CY)
	if dx > dy {
		return dx
	}
	return dy
}

func InWindow(k, center ChunkKey, radius int) bool {
	return Distance(k, center) <= radius
}

// Window lists the (2r+1)^2 keys around center, row by row.
func Window(center ChunkKey, radius int) []ChunkKey {
	if radius < 0 {
		return nil
	}
	side := 2*radius + 1
	out := make([]ChunkKey, 0, side*side)
	for cy := center.CY - radius; cy <= center.CY+radius; cy++ {
		for cx := center.CX - radius; cx <= center.CX+radius; cx++ {
			out = append(out, ChunkKey{CX: cx, CY: cy})
		}
	}
	return out
}
