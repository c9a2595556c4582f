package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_RepoConfig(t *testing.T) {
	t.Setenv("SHEETMAP_API_KEY", "")
	t.Setenv("SHEETMAP_SPREADSHEET_ID", "")
	t.Setenv("SHEETMAP_PG_DSN", "")

	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "sheetmap.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sheet.SheetName != "sheet2" {
		t.Fatalf("sheet_name=%q want sheet2", cfg.Sheet.SheetName)
	}
	if cfg.View.TilePx != 20 || cfg.View.OffsetY != 30 || cfg.View.DistanceChunks != 1 {
		t.Fatalf("view=%+v", cfg.View)
	}
	if cfg.Cache.Backend != BackendFile {
		t.Fatalf("backend=%q", cfg.Cache.Backend)
	}
	if cfg.Remote() {
		t.Fatalf("expected Remote()=false without id/key")
	}
}

func TestLoad_OverlaysDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte("view:\n  distance_chunks: 2\nframe_rate_hz: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SHEETMAP_API_KEY", "k")
	t.Setenv("SHEETMAP_SPREADSHEET_ID", "sid")
	t.Setenv("SHEETMAP_PG_DSN", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.View.DistanceChunks != 2 {
		t.Fatalf("distance=%d want 2", cfg.View.DistanceChunks)
	}
	if cfg.FrameRateHz != Defaults().FrameRateHz {
		t.Fatalf("frame rate not normalized: %d", cfg.FrameRateHz)
	}
	if cfg.Sheet.BaseURL != "https://sheets.googleapis.com" {
		t.Fatalf("base_url=%q", cfg.Sheet.BaseURL)
	}
	if !cfg.Remote() {
		t.Fatalf("expected env to supply id and key")
	}
}

func TestValidate_Backend(t *testing.T) {
	cfg := Defaults()
	cfg.Cache.Backend = BackendPostgres
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected postgres without dsn to fail")
	}
	cfg.Cache.DSN = "postgres://localhost/x"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg.Cache.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}
