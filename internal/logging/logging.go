package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Configure builds a zerolog logger from config values.
func Configure(level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer = os.Stdout
	if strings.EqualFold(format, "console") {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(output).Level(lvl).With().Timestamp().Logger()
}

// ConfigureWithFile builds a logger that duplicates output into a per-run log
// file under dir. The returned closer must be closed at process exit.
func ConfigureWithFile(level, format, dir string, start time.Time) (zerolog.Logger, io.Closer, error) {
	base := Configure(level, format)
	if dir == "" {
		return base, io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return base, nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("hostbak-%s.log", start.Format("2006-01-02T15-04-05"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return base, nil, fmt.Errorf("open log file: %w", err)
	}

	var console io.Writer = os.Stdout
	if strings.EqualFold(format, "console") {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(console, file)).Level(lvl).With().Timestamp().Logger()
	return logger, file, nil
}

// PruneOld removes per-run log files older than keepDays. Best effort; the
// caller only ever logs failures.
func PruneOld(dir string, keepDays int) error {
	if dir == "" || keepDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "hostbak-") || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
