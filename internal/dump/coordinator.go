// Package dump produces one consistent logical dump per configured database
// container into an isolated per-run staging directory. Dumps run strictly
// sequentially; a failing dump aborts the whole run, because an incomplete
// backup that looks complete is worse than no backup.
package dump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/hostbak/internal/compress"
	"github.com/rowjay/hostbak/internal/docker"
	"github.com/rowjay/hostbak/internal/guard"
)

// Coordinator runs the per-target dump sequence.
type Coordinator struct {
	Runtime     docker.Runtime
	Log         zerolog.Logger
	StagingRoot string // validated staging root
	DumpDir     string // per-run directory under StagingRoot
}

// DumpAll dumps every resolvable target. A target whose container does not
// exist is skipped with a warning; any other failure is fatal and the
// offending partial output is removed before returning.
func (c *Coordinator) DumpAll(ctx context.Context, targets []Target) ([]Artifact, error) {
	var artifacts []Artifact
	for _, target := range targets {
		ctn, err := c.Runtime.ResolveService(ctx, target.Container)
		if errors.Is(err, docker.ErrNoContainer) {
			c.Log.Warn().Str("container", target.Container).Msg("container not found, skipping dump")
			continue
		}
		if err != nil {
			return artifacts, fmt.Errorf("resolve %s: %w", target.Container, err)
		}
		if ctn.State != "running" {
			c.Log.Warn().Str("container", target.Container).Str("state", ctn.State).Msg("container not running, skipping dump")
			continue
		}

		artifact, err := c.dumpOne(ctx, target, ctn)
		if err != nil {
			return artifacts, fmt.Errorf("dump %s (%s): %w", target.Container, target.Engine, err)
		}
		c.Log.Info().
			Str("container", target.Container).
			Str("engine", string(target.Engine)).
			Int64("bytes", artifact.Size).
			Msg("database dumped")
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

func (c *Coordinator) dumpOne(ctx context.Context, target Target, ctn docker.Container) (Artifact, error) {
	dest, err := c.destination(target)
	if err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return Artifact{}, fmt.Errorf("create dump dir: %w", err)
	}

	var dumpErr error
	switch target.Engine {
	case EngineMySQL, EngineMariaDB, EnginePostgres:
		dumpErr = c.streamDump(ctx, target, ctn, dest)
	case EngineInflux:
		dumpErr = c.influxDump(ctx, ctn, dest)
	default:
		dumpErr = fmt.Errorf("unsupported engine %q", target.Engine)
	}
	if dumpErr != nil {
		if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			c.Log.Warn().Err(rmErr).Str("path", dest).Msg("failed to remove partial dump")
		}
		return Artifact{}, dumpErr
	}

	info, err := os.Stat(dest)
	if err != nil {
		return Artifact{}, fmt.Errorf("stat dump: %w", err)
	}
	return Artifact{Target: target, Path: dest, Size: info.Size()}, nil
}

// destination builds and containment-checks the artifact path. Container
// names come from configuration, but the check still runs on every
// dynamically assembled path.
func (c *Coordinator) destination(target Target) (string, error) {
	name := target.Container
	switch target.Engine {
	case EngineInflux:
		name += ".tar.gz"
	case EngineMySQL, EngineMariaDB, EnginePostgres:
		name += ".sql.gz"
	}
	candidate := filepath.Join(c.DumpDir, name)
	resolved, err := guard.ValidateContainment(candidate, c.StagingRoot)
	if err != nil {
		return "", fmt.Errorf("dump destination: %w", err)
	}
	return resolved, nil
}

// dumpCommand returns the in-container command and env for the SQL engines.
// Credentials travel via the exec environment, never argv.
func dumpCommand(target Target) (cmd []string, env []string, err error) {
	switch target.Engine {
	case EngineMySQL, EngineMariaDB:
		// --single-transaction gives a consistent snapshot without locking
		// tables; --quick streams rows instead of buffering them.
		cmd = []string{"mysqldump", "--all-databases", "--single-transaction", "--quick", "-u", target.Username}
		env = []string{"MYSQL_PWD=" + target.Credential}
	case EnginePostgres:
		cmd = []string{"pg_dumpall", "-U", target.Username, "--clean"}
		env = []string{"PGPASSWORD=" + target.Credential}
	case EngineInflux:
		return nil, nil, fmt.Errorf("influxdb uses the backup/copy path, not a streamed dump")
	default:
		return nil, nil, fmt.Errorf("unsupported engine %q", target.Engine)
	}
	return cmd, env, nil
}

// streamDump pipes the engine's dump stdout through gzip onto disk.
func (c *Coordinator) streamDump(ctx context.Context, target Target, ctn docker.Container, dest string) error {
	cmd, env, err := dumpCommand(target)
	if err != nil {
		return err
	}
	stream, err := c.Runtime.Exec(ctx, ctn.ID, cmd, env)
	if err != nil {
		return err
	}
	return c.writeGzip(ctx, stream, dest, false)
}

// influxDump runs the engine's native portable backup into a container-local
// temp directory, then copies the directory out as a tar stream and gzips it
// onto disk. The container-side temp directory is removed unconditionally.
func (c *Coordinator) influxDump(ctx context.Context, ctn docker.Container, dest string) error {
	tmp := "/tmp/hostbak-influx-backup"
	defer func() {
		// Cleanup must reach the container even when the run context is
		// already cancelled or the dump step failed.
		cleanupCtx := context.WithoutCancel(ctx)
		if err := c.Runtime.ExecRun(cleanupCtx, ctn.ID, []string{"rm", "-rf", tmp}, nil); err != nil {
			c.Log.Warn().Err(err).Str("container", ctn.Name).Msg("failed to clean container-side backup dir")
		}
	}()

	if err := c.Runtime.ExecRun(ctx, ctn.ID, []string{"influxd", "backup", "-portable", tmp}, nil); err != nil {
		return fmt.Errorf("influxd backup: %w", err)
	}

	tarStream, err := c.Runtime.CopyFrom(ctx, ctn.ID, tmp)
	if err != nil {
		return err
	}
	return c.writeGzip(ctx, &docker.ExecStream{Reader: tarStream, Wait: func() error { return nil }}, dest, true)
}

// writeGzip drains the stream through gzip into dest. On any failure the
// caller removes dest.
func (c *Coordinator) writeGzip(ctx context.Context, stream *docker.ExecStream, dest string, closeReader bool) error {
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}

	gz, err := compress.WrapWriter(compress.TypeGzip, file)
	if err != nil {
		file.Close()
		return err
	}

	eg, _ := errgroup.WithContext(ctx)
	eg.Go(func() error {
		_, copyErr := io.Copy(gz, stream.Reader)
		if closeReader {
			_ = stream.Reader.Close()
		}
		return copyErr
	})
	eg.Go(stream.Wait)

	runErr := eg.Wait()
	if err := gz.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("finish gzip stream: %w", err)
	}
	if err := file.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close dump file: %w", err)
	}
	return runErr
}

// VerifyArtifacts runs the dump-integrity pass: every artifact's compressed
// stream must decode cleanly before the run may proceed to archiving.
func (c *Coordinator) VerifyArtifacts(artifacts []Artifact) error {
	for i := range artifacts {
		file, err := os.Open(artifacts[i].Path)
		if err != nil {
			return fmt.Errorf("open artifact %s: %w", artifacts[i].Path, err)
		}
		n, err := compress.VerifyGzip(file)
		file.Close()
		if err != nil {
			return fmt.Errorf("artifact %s failed integrity check: %w", artifacts[i].Path, err)
		}
		artifacts[i].Verified = true
		c.Log.Debug().Str("path", artifacts[i].Path).Int64("decompressed", n).Msg("artifact integrity verified")
	}
	return nil
}

// Cleanup removes the per-run dump directory. Called on every exit path.
func (c *Coordinator) Cleanup() {
	if c.DumpDir == "" {
		return
	}
	if err := os.RemoveAll(c.DumpDir); err != nil {
		c.Log.Warn().Err(err).Str("dir", c.DumpDir).Msg("failed to remove dump dir")
	}
}
