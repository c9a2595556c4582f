package chunkcache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"sheetmap.ai/internal/sim/tiles"
	"sheetmap.ai/schemas"
)

const (
	extJSON = ".json"
	extZstd = ".json.zst"
)

var docSchema = schemas.MustCompile(schemas.ChunkCache)

// Document is the on-disk shape of one cached chunk.
type Document struct {
	Values [][]int `json:"values"`
}

// FileStore keeps one file per chunk under a single directory.
type FileStore struct {
	dir      string
	compress bool
}

func OpenFileStore(dir string, compress bool) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty cache dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w: %w", tiles.ErrPersist, err)
	}
	return &FileStore{dir: dir, compress: compress}, nil
}

func (s *FileStore) Dir() string { return s.dir }

// Path is where Save writes the chunk with the current compression setting.
func (s *FileStore) Path(key tiles.ChunkKey) string {
	return s.pathWith(key, s.ext())
}

func (s *FileStore) ext() string {
	if s.compress {
		return extZstd
	}
	return extJSON
}

func (s *FileStore) otherExt() string {
	if s.compress {
		return extJSON
	}
	return extZstd
}

func (s *FileStore) pathWith(key tiles.ChunkKey, ext string) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk_%d_%d%s", key.CX, key.CY, ext))
}

// Load reads the cached chunk. A missing file is reported as ok=false with a nil error. Files
// written under the other compression setting are still read.
func (s *FileStore) Load(ctx context.Context, key tiles.ChunkKey) (tiles.Grid, bool, error) {
	if err := ctx.Err(); err != nil {
		return tiles.Grid{}, false, err
	}
	for _, ext := range []string{s.ext(), s.otherExt()} {
		p := s.pathWith(key, ext)
		raw, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return tiles.Grid{}, false, fmt.Errorf("read %s: %w: %w", p, tiles.ErrCorrupt, err)
		}
		if ext == extZstd {
			raw, err = unzstd(raw)
			if err != nil {
				return tiles.Grid{}, false, fmt.Errorf("decompress %s: %w: %w", p, tiles.ErrCorrupt, err)
			}
		}
		g, err := Decode(raw)
		if err != nil {
			return tiles.Grid{}, false, fmt.Errorf("%s: %w", p, err)
		}
		return g, true, nil
	}
	return tiles.Grid{}, false, nil
}

// Save replaces the chunk's file atomically.
func (s *FileStore) Save(ctx context.Context, key tiles.ChunkKey, g tiles.Grid) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save %s: %w: %w", key, tiles.ErrPersist, err)
	}
	raw, err := Encode(g)
	if err != nil {
		return fmt.Errorf("save %s: %w: %w", key, tiles.ErrPersist, err)
	}
	p := s.Path(key)
	if err := writeAtomic(p, raw, s.compress); err != nil {
		return fmt.Errorf("save %s: %w: %w", key, tiles.ErrPersist, err)
	}
	_ = os.Remove(s.pathWith(key, s.otherExt()))
	return nil
}

// Encode renders g as a cache document.
func Encode(g tiles.Grid) ([]byte, error) {
	if len(g.Cells) != tiles.ChunkW*tiles.ChunkH {
		return nil, fmt.Errorf("grid has %d cells", len(g.Cells))
	}
	return json.Marshal(Document{Values: g.Rows()})
}

// Decode parses and validates a cache document. Every failure wraps tiles.ErrCorrupt.
func Decode(raw []byte) (tiles.Grid, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return tiles.Grid{}, fmt.Errorf("%w: %w", tiles.ErrCorrupt, err)
	}
	if err := docSchema.Validate(doc); err != nil {
		return tiles.Grid{}, fmt.Errorf("%w: %w", tiles.ErrCorrupt, err)
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return tiles.Grid{}, fmt.Errorf("%w: %w", tiles.ErrCorrupt, err)
	}
	g, err := tiles.GridFromRows(d.Values)
	if err != nil {
		return tiles.Grid{}, fmt.Errorf("%w: %w", tiles.ErrCorrupt, err)
	}
	return g, nil
}

func writeAtomic(path string, raw []byte, compress bool) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".chunk-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(f)
	if compress {
		enc, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		if _, err := enc.Write(raw); err != nil {
			_ = enc.Close()
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	} else if _, err := bw.Write(raw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	ok = true
	return nil
}

func unzstd(raw []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
