package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"sheetmap.ai/internal/persistence/chunkcache"
	"sheetmap.ai/internal/persistence/indexdb"
)

func (a *apiServer) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	st, err := a.loop.Status(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}

	// Minimal Prometheus exposition format.
	gauge(rw, "sheetmap_tick", "Current frame tick.", st.Tick)
	online := 0
	if st.Online {
		online = 1
	}
	gauge(rw, "sheetmap_online", "1 when new loads go to the sheet, 0 when they read the cache.", online)
	gauge(rw, "sheetmap_chunks_loading", "Chunks whose first load has not finished.", st.Stream.Loading)
	gauge(rw, "sheetmap_chunks_resident", "Chunks with installed data.", st.Stream.Resident)
	gauge(rw, "sheetmap_loads_in_flight", "Load operations not yet installed or discarded.", st.Stream.InFlight)
	counter(rw, "sheetmap_loads_enqueued_total", "Load operations started.", st.Stream.EnqueuedTotal)
	counter(rw, "sheetmap_loads_completed_total", "Load results installed.", st.Stream.CompletedTotal)
	counter(rw, "sheetmap_loads_failed_total", "Installed load results with content FAILED.", st.Stream.FailedTotal)
	counter(rw, "sheetmap_chunks_evicted_total", "Chunks removed from the table.", st.Stream.EvictedTotal)
	counter(rw, "sheetmap_loads_discarded_total", "Load results dropped because their chunk was evicted.", st.Stream.DiscardedTotal)
	if a.viewer != nil {
		gauge(rw, "sheetmap_viewer_sessions", "Connected viewer sessions.", a.viewer.Sessions())
	}

	if a.writer != nil {
		writeCacheWriterMetrics(rw, a.writer.Stats())
	}
	if a.index != nil {
		writeIndexMetrics(rw, a.index.Stats())
	}
}

func writeCacheWriterMetrics(w io.Writer, s chunkcache.Stats) {
	gauge(w, "sheetmap_cache_write_queue_depth", "Current cache write queue depth.", s.QueueDepth)
	gauge(w, "sheetmap_cache_write_queue_capacity", "Cache write queue capacity.", s.QueueCapacity)
	counter(w, "sheetmap_cache_write_enqueued_total", "Total cache write enqueue attempts.", s.EnqueuedTotal)
	counter(w, "sheetmap_cache_write_queue_saturated_total", "Total enqueue attempts when the queue was saturated.", s.QueueSaturatedTotal)
	counter(w, "sheetmap_cache_write_dropped_total", "Total cache writes dropped because the queue stayed saturated.", s.DroppedTotal)
	counter(w, "sheetmap_cache_write_success_total", "Total successful cache saves.", s.SaveSuccessTotal)
	counter(w, "sheetmap_cache_write_fail_total", "Total failed cache saves after retry.", s.SaveFailTotal)
	counter(w, "sheetmap_cache_write_stale_skipped_total", "Total cache writes skipped because a newer version was already saved.", s.StaleSkippedTotal)
	gauge(w, "sheetmap_cache_write_last_success_unix", "Unix timestamp of the last successful cache save.", s.LastSuccessUnix)
	gauge(w, "sheetmap_cache_write_last_error_unix", "Unix timestamp of the last failed cache save.", s.LastErrorUnix)
}

func writeIndexMetrics(w io.Writer, s indexdb.Stats) {
	gauge(w, "sheetmap_index_queue_depth", "Index writer backlog.", s.QueueDepth)
	fmt.Fprintf(w, "# HELP sheetmap_index_dropped_total Index rows dropped because the writer fell behind.\n")
	fmt.Fprintf(w, "# TYPE sheetmap_index_dropped_total counter\n")
	fmt.Fprintf(w, "sheetmap_index_dropped_total{kind=%q} %d\n", "save", s.DropSaveTotal)
	fmt.Fprintf(w, "sheetmap_index_dropped_total{kind=%q} %d\n", "probe", s.DropProbeTotal)
	fmt.Fprintf(w, "sheetmap_index_dropped_total{kind=%q} %d\n", "tick", s.DropTickTotal)
}

func gauge(w io.Writer, name, help string, v any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %v\n", name, v)
}

func counter(w io.Writer, name, help string, v any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %v\n", name, v)
}
