// Package metrics persists a small machine-readable record per backup run
// so external monitoring can alert on missing or shrinking backups without
// parsing logs.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	Host             string    `json:"host"`
	Archive          string    `json:"archive_name"`
	Success          bool      `json:"success"`
	Warnings         int       `json:"warnings"`
	DurationSeconds  float64   `json:"duration_seconds"`
	OriginalSize     int64     `json:"original_size"`
	CompressedSize   int64     `json:"compressed_size"`
	DeduplicatedSize int64     `json:"deduplicated_size"`
	DumpCount        int       `json:"dump_count"`
}

type Writer struct {
	Dir string
	Log zerolog.Logger
}

// Write stores the record as a timestamped JSON file. Group-readable so the
// monitoring agent's user can scrape the directory.
func (w *Writer) Write(rec Record) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o750); err != nil {
		return "", fmt.Errorf("create metrics dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	name := rec.Archive
	if name == "" {
		name = "run-" + rec.Timestamp.UTC().Format("20060102T150405Z")
	}
	path := filepath.Join(w.Dir, name+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return "", fmt.Errorf("write metrics: %w", err)
	}
	w.Log.Debug().Str("path", path).Msg("metrics written")
	return path, nil
}

// Prune removes records older than keep days, matching the log retention
// policy so the metrics dir does not grow without bound.
func (w *Writer) Prune(keepDays int) {
	if keepDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(w.Dir, entry.Name())); err != nil {
				w.Log.Warn().Err(err).Str("file", entry.Name()).Msg("could not prune metrics file")
			}
		}
	}
}
