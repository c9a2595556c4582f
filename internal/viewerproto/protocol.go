package viewerproto

import "sheetmap.ai/internal/sim/tiles"

// Version is the viewer protocol version.
const Version = "1.0"

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeView       = "VIEW"
	TypeRefresh    = "REFRESH"
	TypeProbe      = "PROBE"
	TypeSetOnline  = "SET_ONLINE"
	TypeTick       = "TICK"
	TypeChunk      = "CHUNK"
	TypeChunkEvict = "CHUNK_EVICT"
)

// Client -> Server. SUBSCRIBE must come first; the optional tile fields move the viewpoint.
type ClientMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	TileX           *int   `json:"tile_x,omitempty"`
	TileY           *int   `json:"tile_y,omitempty"`
	Online          *bool  `json:"online,omitempty"`
}

// HTTP response for GET /v1/viewer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string         `json:"protocol_version"`
	Tick            uint64         `json:"tick"`
	Online          bool           `json:"online"`
	ChunkSize       [2]int         `json:"chunk_size"`
	TilePx          int            `json:"tile_px"`
	OffsetY         int            `json:"offset_y"`
	ViewDistance    int            `json:"view_distance"`
	Palette         []PaletteEntry `json:"palette"`
}

type PaletteEntry struct {
	Code  int    `json:"code"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Palette lists the colours a renderer should use per tile code. Codes not listed are drawn
// like Empty.
func Palette() []PaletteEntry {
	return []PaletteEntry{
		{Code: int(tiles.Empty), Name: tiles.Empty.String(), Color: "#000000"},
		{Code: int(tiles.Water), Name: tiles.Water.String(), Color: "#0000ff"},
		{Code: int(tiles.Brick), Name: tiles.Brick.String(), Color: "#ff0000"},
		{Code: int(tiles.Stone), Name: tiles.Stone.String(), Color: "#808080"},
	}
}

// Server -> Client. Sent every frame; only the latest is kept for slow clients.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Online          bool   `json:"online"`
	Center          [2]int `json:"center"`
	View            [2]int `json:"view"`
	Loading         int    `json:"loading"`
	Resident        int    `json:"resident"`
}

// Server -> Client. Full chunk contents, sent whenever the session has not seen this version.
type ChunkMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	CX              int     `json:"cx"`
	CY              int     `json:"cy"`
	Content         string  `json:"content"`
	Source          string  `json:"source"`
	Version         uint64  `json:"version"`
	Error           string  `json:"error,omitempty"`
	Tiles           [][]int `json:"tiles"`
}

// Server -> Client. The chunk left the table.
type ChunkEvictMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CX              int    `json:"cx"`
	CY              int    `json:"cy"`
}
