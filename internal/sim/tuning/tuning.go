package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	Sheet  SheetConfig  `yaml:"sheet"`
	View   ViewConfig   `yaml:"view"`
	Cache  CacheConfig  `yaml:"cache"`
	Stream StreamConfig `yaml:"stream"`

	FrameRateHz int    `yaml:"frame_rate_hz"`
	IndexDB     string `yaml:"index_db"`
	EventLogDir string `yaml:"event_log_dir"`
}

type SheetConfig struct {
	SpreadsheetID string `yaml:"spreadsheet_id"`
	SheetName     string `yaml:"sheet_name"`
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	ProbeURL      string `yaml:"probe_url"`

	RequestTimeoutMs int     `yaml:"request_timeout_ms"`
	ProbeTimeoutMs   int     `yaml:"probe_timeout_ms"`
	RatePerSec       float64 `yaml:"rate_per_sec"`
	RateBurst        int     `yaml:"rate_burst"`
}

type ViewConfig struct {
	TilePx         int `yaml:"tile_px"`
	OffsetY        int `yaml:"offset_y"`
	DistanceChunks int `yaml:"distance_chunks"`
}

type CacheConfig struct {
	Backend  string `yaml:"backend"` // file | postgres
	Dir      string `yaml:"dir"`
	Compress bool   `yaml:"compress"`
	DSN      string `yaml:"dsn"`

	WriteWorkers   int `yaml:"write_workers"`
	WriteQueue     int `yaml:"write_queue"`
	WriteWaitMs    int `yaml:"write_wait_ms"`
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

type StreamConfig struct {
	MaxInFlight int  `yaml:"max_in_flight"`
	StartOnline bool `yaml:"start_online"`
}

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

func Defaults() Tuning {
	return Tuning{
		Sheet: SheetConfig{
			SheetName:        "Sheet1",
			BaseURL:          "https://sheets.googleapis.com",
			ProbeURL:         "https://www.google.com",
			RequestTimeoutMs: 5000,
			ProbeTimeoutMs:   5000,
			RatePerSec:       1,
			RateBurst:        8,
		},
		View: ViewConfig{
			TilePx:         20,
			OffsetY:        30,
			DistanceChunks: 1,
		},
		Cache: CacheConfig{
			Backend:        BackendFile,
			Dir:            "./data/cache",
			WriteWorkers:   2,
			WriteQueue:     256,
			WriteWaitMs:    10,
			WriteTimeoutMs: 5000,
		},
		Stream: StreamConfig{
			MaxInFlight: 8,
			StartOnline: true,
		},
		FrameRateHz: 30,
		IndexDB:     "./data/index/cache.sqlite",
		EventLogDir: "./data/events",
	}
}

// Load overlays the YAML file at path on Defaults. An empty path yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("sheetmap.yaml: %w", err)
		}
	}
	t.ApplyEnv(os.Getenv)
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("sheetmap.yaml: %w", err)
	}
	return t, nil
}

// ApplyEnv lets secrets stay out of the config file.
func (t *Tuning) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("SHEETMAP_API_KEY")); v != "" {
		t.Sheet.APIKey = v
	}
	if v := strings.TrimSpace(getenv("SHEETMAP_SPREADSHEET_ID")); v != "" {
		t.Sheet.SpreadsheetID = v
	}
	if v := strings.TrimSpace(getenv("SHEETMAP_PG_DSN")); v != "" {
		t.Cache.DSN = v
	}
}

func (t *Tuning) Normalize() {
	def := Defaults()
	t.Sheet.SpreadsheetID = strings.TrimSpace(t.Sheet.SpreadsheetID)
	t.Sheet.SheetName = strings.TrimSpace(t.Sheet.SheetName)
	t.Sheet.BaseURL = strings.TrimRight(strings.TrimSpace(t.Sheet.BaseURL), "/")
	if t.Sheet.BaseURL == "" {
		t.Sheet.BaseURL = def.Sheet.BaseURL
	}
	if strings.TrimSpace(t.Sheet.ProbeURL) == "" {
		t.Sheet.ProbeURL = def.Sheet.ProbeURL
	}
	if t.Sheet.RequestTimeoutMs <= 0 {
		t.Sheet.RequestTimeoutMs = def.Sheet.RequestTimeoutMs
	}
	if t.Sheet.ProbeTimeoutMs <= 0 {
		t.Sheet.ProbeTimeoutMs = def.Sheet.ProbeTimeoutMs
	}
	if t.Sheet.RateBurst <= 0 {
		t.Sheet.RateBurst = def.Sheet.RateBurst
	}
	if t.View.TilePx <= 0 {
		t.View.TilePx = def.View.TilePx
	}
	if t.View.DistanceChunks < 0 {
		t.View.DistanceChunks = 0
	}
	t.Cache.Backend = strings.ToLower(strings.TrimSpace(t.Cache.Backend))
	if t.Cache.Backend == "" {
		t.Cache.Backend = BackendFile
	}
	if t.Cache.WriteWorkers <= 0 {
		t.Cache.WriteWorkers = def.Cache.WriteWorkers
	}
	if t.Cache.WriteQueue <= 0 {
		t.Cache.WriteQueue = def.Cache.WriteQueue
	}
	if t.Cache.WriteWaitMs <= 0 {
		t.Cache.WriteWaitMs = def.Cache.WriteWaitMs
	}
	if t.Cache.WriteTimeoutMs <= 0 {
		t.Cache.WriteTimeoutMs = def.Cache.WriteTimeoutMs
	}
	if t.Stream.MaxInFlight <= 0 {
		t.Stream.MaxInFlight = def.Stream.MaxInFlight
	}
	if t.FrameRateHz <= 0 {
		t.FrameRateHz = def.FrameRateHz
	}
}

func (t Tuning) Validate() error {
	switch t.Cache.Backend {
	case BackendFile:
		if strings.TrimSpace(t.Cache.Dir) == "" {
			return fmt.Errorf("cache.dir is required for the file backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(t.Cache.DSN) == "" {
			return fmt.Errorf("cache.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", t.Cache.Backend)
	}
	if t.View.DistanceChunks > 32 {
		return fmt.Errorf("view.distance_chunks=%d exceeds 32", t.View.DistanceChunks)
	}
	if t.Sheet.RatePerSec < 0 {
		return fmt.Errorf("sheet.rate_per_sec must be >= 0")
	}
	return nil
}

// Remote reports whether enough is configured to talk to the sheet at all.
func (t Tuning) Remote() bool {
	return t.Sheet.SpreadsheetID != "" && t.Sheet.APIKey != ""
}

func (s SheetConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

func (s SheetConfig) ProbeTimeout() time.Duration {
	return time.Duration(s.ProbeTimeoutMs) * time.Millisecond
}

func (c CacheConfig) WriteWait() time.Duration {
	return time.Duration(c.WriteWaitMs) * time.Millisecond
}

func (c CacheConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}
