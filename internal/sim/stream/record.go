package stream

import (
	"sort"
	"sync/atomic"

	"sheetmap.ai/internal/sim/tiles"
)

type State int

const (
	Loading State = iota
	Resident
)

func (s State) String() string {
	if s == Resident {
		return "RESIDENT"
	}
	return "LOADING"
}

// Content says what a Resident record's grid means.
type Content int

const (
	Loaded Content = iota
	Empty
	Failed
)

func (c Content) String() string {
	switch c {
	case Empty:
		return "EMPTY"
	case Failed:
		return "FAILED"
	default:
		return "LOADED"
	}
}

type Source int

const (
	Remote Source = iota
	Cache
)

func (s Source) String() string {
	if s == Cache {
		return "CACHE"
	}
	return "REMOTE"
}

// Record is one entry of the chunk table. Grid is shared with the manager; treat it as read-only.
type Record struct {
	Key     tiles.ChunkKey
	State   State
	Content Content
	Source  Source
	Grid    tiles.Grid
	Err     error
	Version uint64

	op *operation
}

// InFlight reports whether a load for this record has not been observed yet.
func (r Record) InFlight() bool { return r.op != nil }

const (
	opPending int32 = iota
	opDone
	opAbandoned
)

type result struct {
	grid    tiles.Grid
	content Content
	err     error
}

// operation is the handle of one asynchronous load. The worker delivers into done, which has
// room for exactly one result, so it never blocks even when nobody will read it.
type operation struct {
	source Source
	done   chan result
	state  atomic.Int32
}

func newOperation(src Source) *operation {
	return &operation{source: src, done: make(chan result, 1)}
}

// Delta lists what one Tick changed in the table.
type Delta struct {
	Enqueued  []tiles.ChunkKey
	Installed []tiles.ChunkKey
	Evicted   []tiles.ChunkKey
}

func (d Delta) Empty() bool {
	return len(d.Enqueued) == 0 && len(d.Installed) == 0 && len(d.Evicted) == 0
}

func sortKeys(keys []tiles.ChunkKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CY != keys[j].CY {
			return keys[i].CY < keys[j].CY
		}
		return keys[i].CX < keys[j].CX
	})
}
