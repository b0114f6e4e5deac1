// Package verify inspects a freshly written archive before the run is
// declared good. Verification escalates through three levels: the archive
// must be listable, the database payload tarball must be present, and a
// handful of well-known files plus the payload itself must extract cleanly.
package verify

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rowjay/hostbak/internal/borg"
	"github.com/rowjay/hostbak/internal/compress"
	"github.com/rowjay/hostbak/internal/guard"
)

// spotFiles are small files present on every Linux host. Extracting them
// exercises the archive's metadata and data paths without pulling real data
// volumes. Extraction goes to process memory, so no file on the host is
// ever overwritten by a verification pass.
var spotFiles = []string{"/etc/hostname", "/etc/passwd", "/etc/group"}

type Verifier struct {
	Borg       *borg.Client
	Log        zerolog.Logger
	Roots      []string // paths the archive was created from
	StagingDir string   // where the run placed the dump tarball
	WorkDir    string   // scratch space for payload inspection
}

// Options select the payload check variant. A run that just produced a
// tarball names it exactly; an audit of an older archive matches any
// db-dumps tarball and tolerates its absence.
type Options struct {
	PayloadName     string
	PayloadOptional bool
}

type Report struct {
	Archive        string
	SpotChecked    []string
	Payload        string
	PayloadBytes   int64
	PayloadEntries int
}

func (v *Verifier) Verify(ctx context.Context, env []string, handle borg.Handle, opts Options) (Report, error) {
	report := Report{Archive: handle.Name}

	if err := v.checkExists(ctx, env, handle); err != nil {
		return report, err
	}

	payload, err := v.locatePayload(ctx, env, handle, opts)
	if err != nil {
		return report, err
	}
	report.Payload = payload

	checked, err := v.spotCheck(ctx, env, handle)
	if err != nil {
		return report, err
	}
	report.SpotChecked = checked

	if payload != "" {
		size, entries, err := v.inspectPayload(ctx, env, handle, payload)
		if err != nil {
			return report, err
		}
		report.PayloadBytes = size
		report.PayloadEntries = entries
	}

	v.Log.Info().
		Str("archive", handle.Name).
		Int("spot_files", len(report.SpotChecked)).
		Str("payload", report.Payload).
		Int("payload_entries", report.PayloadEntries).
		Msg("archive verification passed")
	return report, nil
}

func (v *Verifier) checkExists(ctx context.Context, env []string, handle borg.Handle) error {
	names, err := v.Borg.ListArchives(ctx, env)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}
	for _, name := range names {
		if name == handle.Name {
			return nil
		}
	}
	return fmt.Errorf("archive %s not found in repository", handle.Name)
}

func (v *Verifier) locatePayload(ctx context.Context, env []string, handle borg.Handle, opts Options) (string, error) {
	stagingRel, ok := v.archiveRelative(v.StagingDir)
	if !ok {
		return "", fmt.Errorf("staging dir %s is outside the backup roots", v.StagingDir)
	}
	entries, err := v.Borg.ListContents(ctx, env, handle, stagingRel)
	if err != nil {
		return "", fmt.Errorf("list staging contents: %w", err)
	}

	var candidates []string
	for _, entry := range entries {
		base := path.Base(entry)
		if opts.PayloadName != "" {
			if base == opts.PayloadName {
				return entry, nil
			}
			continue
		}
		if matched, _ := path.Match("db-dumps-*.tar.gz", base); matched {
			candidates = append(candidates, entry)
		}
	}

	if opts.PayloadName != "" {
		return "", fmt.Errorf("dump tarball %s missing from archive %s", opts.PayloadName, handle.Name)
	}
	if len(candidates) == 0 {
		if opts.PayloadOptional {
			v.Log.Warn().Str("archive", handle.Name).Msg("no dump tarball in archive, skipping payload check")
			return "", nil
		}
		return "", fmt.Errorf("no dump tarball found in archive %s", handle.Name)
	}
	// Timestamped names sort chronologically; take the newest.
	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}

func (v *Verifier) spotCheck(ctx context.Context, env []string, handle borg.Handle) ([]string, error) {
	var checked []string
	for _, file := range spotFiles {
		rel, ok := v.archiveRelative(file)
		if !ok {
			v.Log.Debug().Str("file", file).Msg("spot file outside backup roots, skipping")
			continue
		}
		var buf bytes.Buffer
		if err := v.Borg.ExtractStdout(ctx, env, handle, rel, &buf); err != nil {
			return checked, fmt.Errorf("spot extract %s: %w", rel, err)
		}
		if buf.Len() == 0 {
			return checked, fmt.Errorf("spot extract %s: empty content", rel)
		}
		checked = append(checked, rel)
	}
	if len(checked) == 0 {
		// Roots that exclude /etc entirely cannot contain the canonical
		// files; that is a property of the configuration, not of this
		// archive, so the pass degrades to a warning instead of failing
		// every verification forever.
		v.Log.Warn().Strs("roots", v.Roots).Msg("no spot files covered by backup roots, skipping spot check")
	}
	return checked, nil
}

// inspectPayload pulls the dump tarball out of the archive into a
// single-use scratch directory and walks it end to end. A damaged gzip
// stream or truncated tar surfaces here rather than on restore day.
func (v *Verifier) inspectPayload(ctx context.Context, env []string, handle borg.Handle, payload string) (int64, int, error) {
	scratch, err := os.MkdirTemp(v.WorkDir, "verify-")
	if err != nil {
		return 0, 0, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)
	if _, err := guard.ValidateContainment(scratch, v.WorkDir); err != nil {
		return 0, 0, err
	}

	dest := filepath.Join(scratch, path.Base(payload))
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return 0, 0, fmt.Errorf("create payload scratch file: %w", err)
	}
	if err := v.Borg.ExtractStdout(ctx, env, handle, payload, out); err != nil {
		out.Close()
		return 0, 0, fmt.Errorf("extract payload: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, 0, err
	}

	names, err := os.ReadDir(scratch)
	if err != nil {
		return 0, 0, err
	}
	if len(names) != 1 {
		return 0, 0, fmt.Errorf("payload scratch dir holds %d entries, want exactly 1", len(names))
	}

	return readTarball(dest)
}

func readTarball(path string) (int64, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	gz, err := compress.WrapReader(compress.TypeGzip, file)
	if err != nil {
		return 0, 0, fmt.Errorf("open payload gzip: %w", err)
	}
	defer gz.Close()

	var total int64
	entries := 0
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, entries, fmt.Errorf("read payload tar: %w", err)
		}
		entries++
		n, err := io.Copy(io.Discard, tr)
		total += n
		if err != nil {
			return total, entries, fmt.Errorf("read payload member %s: %w", header.Name, err)
		}
	}
	if entries == 0 {
		return total, entries, fmt.Errorf("payload tarball is empty")
	}
	return total, entries, nil
}

// archiveRelative maps an absolute host path to the path the archive tool
// stores it under, which is the host path with the leading slash stripped.
// The mapping only holds when some backup root covers the path.
func (v *Verifier) archiveRelative(hostPath string) (string, bool) {
	clean := filepath.Clean(hostPath)
	for _, root := range v.Roots {
		root = filepath.Clean(root)
		if root == "/" || clean == root || strings.HasPrefix(clean, root+"/") {
			return strings.TrimPrefix(clean, "/"), true
		}
	}
	return "", false
}
