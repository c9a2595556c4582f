package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"sheetmap.ai/internal/persistence/chunkcache"
	"sheetmap.ai/internal/persistence/indexdb"
	"sheetmap.ai/internal/persistence/pgcache"
	"sheetmap.ai/internal/sim/tiles"
	"sheetmap.ai/internal/sim/tuning"
)

// cacheBackend is what the manager reads from and the write-behind queue saves to.
type cacheBackend interface {
	Load(ctx context.Context, key tiles.ChunkKey) (tiles.Grid, bool, error)
	Save(ctx context.Context, key tiles.ChunkKey, g tiles.Grid) error
	Close() error
}

type fileBackend struct{ *chunkcache.FileStore }

func (fileBackend) Close() error { return nil }

func openCacheBackend(cfg tuning.CacheConfig) (cacheBackend, error) {
	switch cfg.Backend {
	case tuning.BackendFile:
		fs, err := chunkcache.OpenFileStore(cfg.Dir, cfg.Compress)
		if err != nil {
			return nil, err
		}
		return fileBackend{fs}, nil
	case tuning.BackendPostgres:
		return pgcache.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}

// openIndex returns nil when the index is disabled by an empty path or SHEETMAP_INDEX=off.
func openIndex(path string) (*indexdb.SQLiteIndex, error) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("SHEETMAP_INDEX"))) {
	case "none", "off", "disabled":
		return nil, nil
	}
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	return indexdb.OpenSQLite(path)
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
