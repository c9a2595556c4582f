package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"
)

func openIndexDB(path string) *sql.DB {
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "index db:", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return db
}

func chunksCmd(args []string) {
	fs := flag.NewFlagSet("chunks", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/cache.sqlite", "index db path")
	limit := fs.Int("limit", 20, "result limit")
	failed := fs.Bool("failed", false, "list failed saves instead of cached chunks")
	_ = fs.Parse(args)
	if *limit <= 0 {
		*limit = 20
	}

	db := openIndexDB(*dbPath)
	defer db.Close()

	if *failed {
		rows, err := db.Query(`SELECT cx,cy,COALESCE(error,''),saved_at FROM chunk_saves WHERE ok=0 ORDER BY id DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				CX      int    `json:"cx"`
				CY      int    `json:"cy"`
				Error   string `json:"error"`
				SavedAt string `json:"saved_at"`
				Age     string `json:"age"`
			}
			if err := rows.Scan(&r.CX, &r.CY, &r.Error, &r.SavedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.Age = age(r.SavedAt)
			printJSON(r)
		}
		return
	}

	rows, err := db.Query(`SELECT cx,cy,digest,non_empty,version,saves,saved_at FROM chunks ORDER BY saved_at DESC LIMIT ?`, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			CX       int    `json:"cx"`
			CY       int    `json:"cy"`
			Digest   string `json:"digest"`
			NonEmpty int    `json:"non_empty"`
			Version  uint64 `json:"version"`
			Saves    int    `json:"saves"`
			SavedAt  string `json:"saved_at"`
			Age      string `json:"age"`
		}
		if err := rows.Scan(&r.CX, &r.CY, &r.Digest, &r.NonEmpty, &r.Version, &r.Saves, &r.SavedAt); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		r.Age = age(r.SavedAt)
		printJSON(r)
	}
}

func probesCmd(args []string) {
	fs := flag.NewFlagSet("probes", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/cache.sqlite", "index db path")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)
	if *limit <= 0 {
		*limit = 20
	}

	db := openIndexDB(*dbPath)
	defer db.Close()

	rows, err := db.Query(`SELECT url,online,latency_ms,probed_at FROM probes ORDER BY id DESC LIMIT ?`, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			URL       string `json:"url"`
			Online    bool   `json:"online"`
			LatencyMs int64  `json:"latency_ms"`
			ProbedAt  string `json:"probed_at"`
			Age       string `json:"age"`
		}
		var online int
		if err := rows.Scan(&r.URL, &online, &r.LatencyMs, &r.ProbedAt); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		r.Online = online != 0
		r.Age = age(r.ProbedAt)
		printJSON(r)
	}
}

// age renders an RFC3339 timestamp as "3 minutes ago"; unparseable input is returned as is.
func age(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
