package pgcache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sheetmap.ai/internal/persistence/chunkcache"
	"sheetmap.ai/internal/sim/tiles"
)

// MapChunk is one cached chunk row. Tiles holds the same document the file backend writes.
type MapChunk struct {
	ChunkX    int32     `gorm:"column:chunk_x;primaryKey"`
	ChunkY    int32     `gorm:"column:chunk_y;primaryKey"`
	Tiles     []byte    `gorm:"column:tiles;type:jsonb;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (MapChunk) TableName() string { return "map_chunks" }

type Store struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// Open connects and makes sure map_chunks exists.
func Open(dsn string) (*Store, error) {
	db, err := OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	s := New(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&MapChunk{}); err != nil {
		return fmt.Errorf("migrate map_chunks: %w", err)
	}
	return nil
}

var errKeyRange = errors.New("chunk coordinate outside int32")

// rowKey maps key onto the int32 primary key columns.
func rowKey(key tiles.ChunkKey) (x, y int32, err error) {
	if key.CX < math.MinInt32 || key.CX > math.MaxInt32 || key.CY < math.MinInt32 || key.CY > math.MaxInt32 {
		return 0, 0, errKeyRange
	}
	return int32(key.CX), int32(key.CY), nil
}

// Load returns ErrTransport for database failures and ErrCorrupt for rows that do not decode.
func (s *Store) Load(ctx context.Context, key tiles.ChunkKey) (tiles.Grid, bool, error) {
	x, y, err := rowKey(key)
	if err != nil {
		return tiles.Grid{}, false, fmt.Errorf("load %s: %w", key, err)
	}
	var row MapChunk
	err = s.db.WithContext(ctx).
		Where("chunk_x = ? AND chunk_y = ?", x, y).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tiles.Grid{}, false, nil
		}
		return tiles.Grid{}, false, fmt.Errorf("load %s: %w: %w", key, tiles.ErrTransport, err)
	}
	g, err := chunkcache.Decode(row.Tiles)
	if err != nil {
		return tiles.Grid{}, false, fmt.Errorf("load %s: %w", key, err)
	}
	return g, true, nil
}

func (s *Store) Save(ctx context.Context, key tiles.ChunkKey, g tiles.Grid) error {
	x, y, err := rowKey(key)
	if err != nil {
		return fmt.Errorf("save %s: %w: %w", key, tiles.ErrPersist, err)
	}
	b, err := chunkcache.Encode(g)
	if err != nil {
		return fmt.Errorf("save %s: %w: %w", key, tiles.ErrPersist, err)
	}
	row := MapChunk{
		ChunkX:    x,
		ChunkY:    y,
		Tiles:     b,
		UpdatedAt: time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chunk_x"}, {Name: "chunk_y"}},
		DoUpdates: clause.AssignmentColumns([]string{"tiles", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save %s: %w: %w", key, tiles.ErrPersist, err)
	}
	return nil
}

// Count reports how many chunks are cached.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&MapChunk{}).Count(&n).Error
	return n, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
