// Package sqlite sweeps the backup roots for SQLite database files and runs
// an integrity check on each. Application databases that live outside the
// containerized engines (Vaultwarden, Grafana, and friends) are picked up by
// the filesystem archive as-is, so a corrupt file would otherwise be backed
// up silently night after night.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var dbExtensions = map[string]bool{
	".db":      true,
	".sqlite":  true,
	".sqlite3": true,
}

type Result struct {
	Path string
	Err  error
}

type Checker struct {
	Log zerolog.Logger
	// SkipDirs are path substrings excluded from the sweep, for caches and
	// trash dirs that accumulate throwaway .db files.
	SkipDirs []string
}

// Sweep walks the given roots and checks every database file found. It
// returns one Result per file; a walk error on a root is fatal, a corrupt
// database is reported in its Result and left to the caller's policy.
func (c *Checker) Sweep(ctx context.Context, roots []string) ([]Result, error) {
	var results []Result
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtrees are logged, not fatal; the sweep is
				// opportunistic.
				c.Log.Debug().Err(err).Str("path", path).Msg("skipping unreadable path")
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if c.skip(path) {
					return fs.SkipDir
				}
				return nil
			}
			if !dbExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			results = append(results, Result{Path: path, Err: c.checkOne(ctx, path)})
			return nil
		})
		if err != nil {
			return results, fmt.Errorf("sweep %s: %w", root, err)
		}
	}
	return results, nil
}

// checkOne opens the file read-only and runs PRAGMA quick_check. Read-only
// mode matters: the owning application may hold the database open, and an
// integrity pass must never take write locks out from under it.
func (c *Checker) checkOne(ctx context.Context, path string) error {
	dsn := fmt.Sprintf("file:%s?mode=ro", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	var verdict string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&verdict); err != nil {
		return fmt.Errorf("quick_check %s: %w", path, err)
	}
	if verdict != "ok" {
		return fmt.Errorf("quick_check %s: %s", path, verdict)
	}
	c.Log.Debug().Str("path", path).Msg("sqlite integrity ok")
	return nil
}

func (c *Checker) skip(dir string) bool {
	for _, frag := range c.SkipDirs {
		if strings.Contains(dir, frag) {
			return true
		}
	}
	return false
}

// Failed filters a sweep down to the corrupt entries.
func Failed(results []Result) []Result {
	var bad []Result
	for _, r := range results {
		if r.Err != nil {
			bad = append(bad, r)
		}
	}
	return bad
}
