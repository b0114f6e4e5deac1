// Package borg drives the borg CLI: repository bootstrap, archive creation,
// retention pruning, listing, extraction, and repository checks. Borg's
// chunking, indexing, and encryption are a black box behind its exit codes.
package borg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// baselineExcludes is prepended to every create invocation: virtual
// filesystems, scratch space, container-runtime state, caches, rotated logs.
var baselineExcludes = []string{
	"/proc",
	"/sys",
	"/dev",
	"/run",
	"/tmp",
	"/var/tmp",
	"/var/cache",
	"/var/lib/docker/overlay2",
	"/var/lib/docker/tmp",
	"/lost+found",
	"/home/*/.cache",
	"/root/.cache",
	"/var/log/*.gz",
	"/var/log/*.[0-9]",
}

// forbiddenRepoParents are directories a repository must never be
// auto-created directly under.
var forbiddenRepoParents = map[string]bool{
	"/":     true,
	"/bin":  true,
	"/boot": true,
	"/dev":  true,
	"/etc":  true,
	"/lib":  true,
	"/proc": true,
	"/sys":  true,
	"/usr":  true,
}

// Client is the archive orchestrator's handle on one repository.
type Client struct {
	Repo        string
	Compression string // borg compression spec, e.g. "zstd,9"
	Runner      Runner
	Log         zerolog.Logger
}

// Handle identifies one created archive, repo::name.
type Handle struct {
	Repo string
	Name string
}

func (h Handle) String() string { return h.Repo + "::" + h.Name }

// ArchiveStats are the sizes borg reports for one archive.
type ArchiveStats struct {
	OriginalSize   int64
	CompressedSize int64
	DedupedSize    int64
}

// EnsureRepo makes the repository usable: an existing path must be listable
// (a path that exists but cannot be listed is never silently reinitialized);
// a missing path is bootstrapped with authenticated encryption after the
// parent directory passes the forbidden-root and writability checks.
func (c *Client) EnsureRepo(ctx context.Context, env []string) error {
	if _, err := os.Stat(c.Repo); err == nil {
		code, _, runErr := c.Runner.Run(ctx, env, "list", "--short", c.Repo)
		if Classify(code) == SeverityFatal {
			return fmt.Errorf("repository %s exists but is not accessible: %w", c.Repo, runErr)
		}
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat repository: %w", err)
	}

	parent := filepath.Dir(c.Repo)
	if forbiddenRepoParents[filepath.Clean(parent)] {
		return fmt.Errorf("refusing to create repository under %s", parent)
	}
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return fmt.Errorf("create repository parent: %w", err)
	}
	probe, err := os.CreateTemp(parent, ".hostbak-write-probe-*")
	if err != nil {
		return fmt.Errorf("repository parent %s is not writable: %w", parent, err)
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	c.Log.Info().Str("repo", c.Repo).Msg("initializing new repository")
	code, _, runErr := c.Runner.Run(ctx, env, "init", "--encryption=repokey-blake2", c.Repo)
	if Classify(code) == SeverityFatal {
		return fmt.Errorf("init repository: %w", runErr)
	}
	return nil
}

// CreateOptions parameterize one archive creation.
type CreateOptions struct {
	ArchiveName string
	Paths       []string
	Excludes    []string // fully assembled, see BuildExcludes
	DryRun      bool
}

// Create builds one archive. The returned bool reports completed-with-
// warnings; a fatal exit code aborts with an error.
func (c *Client) Create(ctx context.Context, env []string, opts CreateOptions) (Handle, bool, error) {
	handle := Handle{Repo: c.Repo, Name: opts.ArchiveName}
	args := []string{"create", "--one-file-system", "--compression", c.Compression}
	for _, e := range opts.Excludes {
		args = append(args, "--exclude", e)
	}
	if opts.DryRun {
		args = append(args, "--dry-run")
	} else {
		args = append(args, "--stats")
	}
	args = append(args, handle.String())
	args = append(args, opts.Paths...)

	code, _, err := c.Runner.Run(ctx, env, args...)
	switch Classify(code) {
	case SeverityFatal:
		return Handle{}, false, fmt.Errorf("create archive %s: %w", opts.ArchiveName, err)
	case SeverityWarning:
		c.Log.Warn().Int("exit_code", code).Str("archive", opts.ArchiveName).Msg("archive created with warnings")
		return handle, true, nil
	default:
		return handle, false, nil
	}
}

// Prune applies the keep-daily retention policy with the same warning/fatal
// exit-code discipline as Create.
func (c *Client) Prune(ctx context.Context, env []string, keepDaily int) (bool, error) {
	code, _, err := c.Runner.Run(ctx, env, "prune", "--keep-daily", strconv.Itoa(keepDaily), c.Repo)
	switch Classify(code) {
	case SeverityFatal:
		return false, fmt.Errorf("prune repository: %w", err)
	case SeverityWarning:
		c.Log.Warn().Int("exit_code", code).Msg("prune completed with warnings")
		return true, nil
	default:
		return false, nil
	}
}

// ListArchives returns the archive names in the repository, oldest first.
func (c *Client) ListArchives(ctx context.Context, env []string) ([]string, error) {
	code, out, err := c.Runner.Run(ctx, env, "list", "--short", c.Repo)
	if Classify(code) == SeverityFatal {
		return nil, fmt.Errorf("list repository: %w", err)
	}
	return splitLines(out), nil
}

// ListContents lists archive member paths, optionally narrowed by glob
// patterns so a full-host archive need not be enumerated wholesale.
func (c *Client) ListContents(ctx context.Context, env []string, handle Handle, patterns ...string) ([]string, error) {
	args := append([]string{"list", "--short", handle.String()}, patterns...)
	code, out, err := c.Runner.Run(ctx, env, args...)
	if Classify(code) == SeverityFatal {
		return nil, fmt.Errorf("list archive %s: %w", handle.Name, err)
	}
	return splitLines(out), nil
}

// ExtractStdout extracts a single archive member into w. relPath is the
// archive-relative path; traversal sequences and absolute-looking paths are
// rejected here because the archive tool is trusted for storage, not for
// handing back safe relative paths.
func (c *Client) ExtractStdout(ctx context.Context, env []string, handle Handle, relPath string, w io.Writer) error {
	if err := ValidateArchivePath(relPath); err != nil {
		return err
	}
	code, err := c.Runner.RunTo(ctx, w, env, "extract", "--stdout", handle.String(), relPath)
	if Classify(code) == SeverityFatal {
		return fmt.Errorf("extract %s from %s: %w", relPath, handle.Name, err)
	}
	return nil
}

// Check verifies repository consistency; with verifyData it also re-reads
// and verifies every data chunk.
func (c *Client) Check(ctx context.Context, env []string, verifyData bool) error {
	args := []string{"check"}
	if verifyData {
		args = append(args, "--verify-data")
	}
	args = append(args, c.Repo)
	code, _, err := c.Runner.Run(ctx, env, args...)
	switch Classify(code) {
	case SeverityFatal:
		return fmt.Errorf("repository check: %w", err)
	case SeverityWarning:
		c.Log.Warn().Int("exit_code", code).Msg("repository check completed with warnings")
	}
	return nil
}

// Info returns the size statistics for one archive.
func (c *Client) Info(ctx context.Context, env []string, handle Handle) (ArchiveStats, error) {
	code, out, err := c.Runner.Run(ctx, env, "info", "--json", handle.String())
	if Classify(code) == SeverityFatal {
		return ArchiveStats{}, fmt.Errorf("archive info %s: %w", handle.Name, err)
	}
	var payload struct {
		Archives []struct {
			Stats struct {
				OriginalSize   int64 `json:"original_size"`
				CompressedSize int64 `json:"compressed_size"`
				DedupedSize    int64 `json:"deduplicated_size"`
			} `json:"stats"`
		} `json:"archives"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return ArchiveStats{}, fmt.Errorf("parse archive info: %w", err)
	}
	if len(payload.Archives) == 0 {
		return ArchiveStats{}, fmt.Errorf("archive info %s: empty response", handle.Name)
	}
	stats := payload.Archives[0].Stats
	return ArchiveStats{
		OriginalSize:   stats.OriginalSize,
		CompressedSize: stats.CompressedSize,
		DedupedSize:    stats.DedupedSize,
	}, nil
}

// BuildExcludes concatenates the baseline exclusion set with the configured
// ones. Every configured exclusion must be absolute; a relative pattern
// would silently match nothing or the wrong tree.
func BuildExcludes(configured []string) ([]string, error) {
	excludes := append([]string(nil), baselineExcludes...)
	for _, e := range configured {
		if !strings.HasPrefix(e, "/") {
			return nil, fmt.Errorf("configured exclude must be an absolute path: %q", e)
		}
		excludes = append(excludes, e)
	}
	return excludes, nil
}

// ValidateArchivePath rejects member paths that are absolute or contain
// traversal components.
func ValidateArchivePath(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("empty archive path")
	}
	if strings.HasPrefix(relPath, "/") {
		return fmt.Errorf("archive path must be relative: %q", relPath)
	}
	for _, part := range strings.Split(relPath, "/") {
		if part == ".." {
			return fmt.Errorf("archive path contains traversal: %q", relPath)
		}
	}
	return nil
}

func splitLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
