package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"sheetmap.ai/internal/persistence/chunkcache"
	"sheetmap.ai/internal/persistence/indexdb"
	persistlog "sheetmap.ai/internal/persistence/log"
	"sheetmap.ai/internal/persistence/sheets"
	"sheetmap.ai/internal/sim/mapsvc"
	"sheetmap.ai/internal/sim/stream"
	"sheetmap.ai/internal/sim/tiles"
	"sheetmap.ai/internal/sim/tuning"
	"sheetmap.ai/internal/transport/viewer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/sheetmap.yaml", "path to sheetmap.yaml (empty for defaults)")
		dataDir    = flag.String("data", "", "runtime data directory; overrides cache.dir, index_db and event_log_dir when set")
		offline    = flag.Bool("offline", false, "start offline without probing")
		tileX      = flag.Int("tile_x", 0, "starting viewpoint tile x")
		tileY      = flag.Int("tile_y", 0, "starting viewpoint tile y")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		tune, err = tuning.Load("")
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
	}
	if d := strings.TrimSpace(*dataDir); d != "" {
		tune.Cache.Dir = filepath.Join(d, "cache")
		tune.IndexDB = filepath.Join(d, "index", "cache.sqlite")
		tune.EventLogDir = filepath.Join(d, "events")
	}

	idx, err := openIndex(tune.IndexDB)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Printf("index: upsert tuning: %v", err)
		}
	}

	cacheLog := log.New(os.Stdout, "[cache] ", log.LstdFlags|log.Lmicroseconds)
	backend, err := openCacheBackend(tune.Cache)
	if err != nil {
		logger.Fatalf("open cache backend: %v", err)
	}
	defer backend.Close()

	writer := chunkcache.NewWriter(backend, chunkcache.WriterConfig{
		Workers:       tune.Cache.WriteWorkers,
		QueueCapacity: tune.Cache.WriteQueue,
		EnqueueWait:   tune.Cache.WriteWait(),
		SaveTimeout:   tune.Cache.WriteTimeout(),
		Logger:        cacheLog,
		OnSaved:       recordSave(idx),
	})
	defer writer.Close()

	var remote *sheets.Client
	if tune.Remote() {
		remote, err = sheets.New(sheets.Config{
			BaseURL:       tune.Sheet.BaseURL,
			SpreadsheetID: tune.Sheet.SpreadsheetID,
			SheetName:     tune.Sheet.SheetName,
			APIKey:        tune.Sheet.APIKey,
			ProbeURL:      tune.Sheet.ProbeURL,
			Timeout:       tune.Sheet.RequestTimeout(),
			RatePerSec:    tune.Sheet.RatePerSec,
			RateBurst:     tune.Sheet.RateBurst,
			Logger:        log.New(os.Stdout, "[sheets] ", log.LstdFlags|log.Lmicroseconds),
		})
		if err != nil {
			logger.Fatalf("sheets client: %v", err)
		}
	} else {
		logger.Printf("spreadsheet id or api key not set; running from cache only")
	}

	mgrCfg := stream.Config{
		Cache:       backend,
		Radius:      tune.View.DistanceChunks,
		MaxInFlight: tune.Stream.MaxInFlight,
		Online:      tune.Stream.StartOnline && remote != nil && !*offline,
		Logger:      log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lmicroseconds),
		OnFetched: func(key tiles.ChunkKey, g tiles.Grid, version uint64) {
			writer.TryEnqueue(chunkcache.Job{Key: key, Grid: g, Version: version})
		},
	}
	svcCfg := mapsvc.Config{
		ProbeTimeout:     tune.Sheet.ProbeTimeout(),
		SkipInitialProbe: *offline,
		TilePx:           tune.View.TilePx,
		OffsetY:          tune.View.OffsetY,
		Logger:           log.New(os.Stdout, "[map] ", log.LstdFlags|log.Lmicroseconds),
		OnProbe:          recordProbe(idx, tune.Sheet.ProbeURL),
	}
	if remote != nil {
		mgrCfg.Remote = remote
		svcCfg.Prober = remote
	}
	mgr := stream.New(mgrCfg)
	defer mgr.Close()
	svcCfg.Manager = mgr
	svc := mapsvc.New(svcCfg)

	tickLog := persistlog.NewTickLogger(tune.EventLogDir)
	defer tickLog.Close()

	loopCfg := mapsvc.LoopConfig{
		FrameRateHz: tune.FrameRateHz,
		StartX:      *tileX,
		StartY:      *tileY,
		TickLog:     tickLog,
		Logger:      logger,
	}
	if idx != nil {
		loopCfg.Index = idx
	}
	loop := mapsvc.NewLoop(svc, loopCfg)

	ctx, cancel := signalContext()
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("map loop stopped: %v", err)
		}
	}()

	viewerSrv := viewer.NewServer(loop, log.New(os.Stdout, "[viewer] ", log.LstdFlags|log.Lmicroseconds))
	viewerSrv.AllowRemote = envBool("SHEETMAP_VIEWER_ALLOW_REMOTE", false)

	mux := http.NewServeMux()
	api := &apiServer{loop: loop, writer: writer, index: idx, viewer: viewerSrv}
	api.register(mux)
	mux.HandleFunc("/v1/viewer/bootstrap", viewerSrv.BootstrapHandler())
	mux.HandleFunc("/v1/viewer/ws", viewerSrv.WSHandler())

	if envBool("SHEETMAP_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (SHEETMAP_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s backend=%s online=%v", *addr, tune.Cache.Backend, mgr.Online())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	<-loopDone
}

func recordSave(idx *indexdb.SQLiteIndex) func(chunkcache.Job, error) {
	if idx == nil {
		return nil
	}
	return func(job chunkcache.Job, err error) {
		e := indexdb.ChunkSave{
			Key:      job.Key,
			Digest:   job.Grid.Digest(),
			NonEmpty: job.Grid.NonEmpty(),
			Version:  job.Version,
			At:       time.Now(),
		}
		if err != nil {
			e.Err = err.Error()
		}
		idx.RecordSave(e)
	}
}

func recordProbe(idx *indexdb.SQLiteIndex, url string) func(mapsvc.ProbeResult) {
	if idx == nil {
		return nil
	}
	return func(r mapsvc.ProbeResult) {
		idx.RecordProbe(indexdb.Probe{URL: url, Online: r.Online, Latency: r.Latency, At: r.At})
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
