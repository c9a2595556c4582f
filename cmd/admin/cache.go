package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"sheetmap.ai/internal/persistence/chunkcache"
	persistlog "sheetmap.ai/internal/persistence/log"
	"sheetmap.ai/internal/persistence/sheets"
	"sheetmap.ai/internal/sim/tiles"
	"sheetmap.ai/internal/sim/tuning"
)

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	dir := fs.String("cache", "./data/cache", "cache directory")
	cx := fs.Int("cx", 0, "chunk x")
	cy := fs.Int("cy", 0, "chunk y")
	_ = fs.Parse(args)

	store, err := chunkcache.OpenFileStore(*dir, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open cache:", err)
		os.Exit(1)
	}
	key := tiles.ChunkKey{CX: *cx, CY: *cy}
	g, ok, err := store.Load(context.Background(), key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "chunk %s is not cached in %s\n", key, *dir)
		os.Exit(2)
	}

	out := struct {
		CX       int     `json:"cx"`
		CY       int     `json:"cy"`
		Path     string  `json:"path"`
		Size     string  `json:"size"`
		Digest   string  `json:"digest"`
		NonEmpty int     `json:"non_empty"`
		Values   [][]int `json:"values"`
	}{CX: key.CX, CY: key.CY, Digest: g.Digest(), NonEmpty: g.NonEmpty(), Values: g.Rows()}
	for _, compress := range []bool{false, true} {
		s, _ := chunkcache.OpenFileStore(*dir, compress)
		if st, err := os.Stat(s.Path(key)); err == nil {
			out.Path = s.Path(key)
			out.Size = humanize.Bytes(uint64(st.Size()))
			break
		}
	}
	printJSON(out)
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dir := fs.String("dir", "./data/events", "event log directory")
	since := fs.Uint64("since_tick", 0, "only ticks >= since_tick")
	limit := fs.Int("limit", 50, "keep only the last N entries (0 = all)")
	_ = fs.Parse(args)

	entries, err := persistlog.ReadTicks(*dir, *since, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read events:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		printJSON(e)
	}
}

// prefetchCmd warms the file cache for a square of chunks around (cx, cy).
func prefetchCmd(args []string) {
	fs := flag.NewFlagSet("prefetch", flag.ExitOnError)
	configPath := fs.String("config", "./configs/sheetmap.yaml", "path to sheetmap.yaml")
	cx := fs.Int("cx", 0, "center chunk x")
	cy := fs.Int("cy", 0, "center chunk y")
	radius := fs.Int("r", 1, "radius in chunks")
	workers := fs.Int("workers", 4, "concurrent fetches")
	_ = fs.Parse(args)

	tune, err := tuning.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if !tune.Remote() {
		fmt.Fprintln(os.Stderr, "spreadsheet id and api key are required (SHEETMAP_SPREADSHEET_ID, SHEETMAP_API_KEY)")
		os.Exit(2)
	}
	if tune.Cache.Backend != tuning.BackendFile {
		fmt.Fprintf(os.Stderr, "prefetch writes the file cache; cache.backend=%s\n", tune.Cache.Backend)
		os.Exit(2)
	}
	client, err := sheets.New(sheets.Config{
		BaseURL:       tune.Sheet.BaseURL,
		SpreadsheetID: tune.Sheet.SpreadsheetID,
		SheetName:     tune.Sheet.SheetName,
		APIKey:        tune.Sheet.APIKey,
		ProbeURL:      tune.Sheet.ProbeURL,
		Timeout:       tune.Sheet.RequestTimeout(),
		RatePerSec:    tune.Sheet.RatePerSec,
		RateBurst:     tune.Sheet.RateBurst,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "sheets client:", err)
		os.Exit(1)
	}
	store, err := chunkcache.OpenFileStore(tune.Cache.Dir, tune.Cache.Compress)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open cache:", err)
		os.Exit(1)
	}

	keys := tiles.Window(tiles.ChunkKey{CX: *cx, CY: *cy}, *radius)
	results := make([]prefetchResult, len(keys))
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(max(*workers, 1))
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			results[i] = prefetchOne(ctx, client, store, k)
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for _, r := range results {
		printJSON(r)
		if r.Error != "" {
			failed = append(failed, r.Key)
		}
	}
	fmt.Fprintf(os.Stderr, "prefetched %d chunks in %s (%d failed)\n", len(keys)-len(failed), time.Since(start).Round(time.Millisecond), len(failed))
	if len(failed) > 0 {
		fmt.Fprintln(os.Stderr, "failed:", strings.Join(failed, " "))
		os.Exit(1)
	}
}

type prefetchResult struct {
	Key      string `json:"key"`
	Content  string `json:"content"`
	NonEmpty int    `json:"non_empty"`
	Error    string `json:"error,omitempty"`
}

func prefetchOne(ctx context.Context, client *sheets.Client, store *chunkcache.FileStore, key tiles.ChunkKey) prefetchResult {
	res := prefetchResult{Key: key.String(), Content: "LOADED"}
	g, err := client.FetchChunk(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, tiles.ErrEmptyResult):
		res.Content = "EMPTY"
		g = tiles.NewGrid()
	default:
		res.Content = "FAILED"
		res.Error = err.Error()
		return res
	}
	res.NonEmpty = g.NonEmpty()
	if err := store.Save(ctx, key, g); err != nil {
		res.Error = err.Error()
	}
	return res
}
