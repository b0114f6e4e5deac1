package dump

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rowjay/hostbak/internal/compress"
	"github.com/rowjay/hostbak/internal/docker"
)

type fakeRuntime struct {
	containers  map[string]docker.Container
	execOutput  string
	execErr     error
	execCalls   [][]string
	execEnvs    [][]string
	execCtxErrs []error
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) ResolveService(_ context.Context, svc string) (docker.Container, error) {
	ctn, ok := f.containers[svc]
	if !ok {
		return docker.Container{}, fmt.Errorf("%w: %s", docker.ErrNoContainer, svc)
	}
	return ctn, nil
}

func (f *fakeRuntime) ServiceState(_ context.Context, svc string) (string, error) {
	ctn, err := f.ResolveService(context.Background(), svc)
	if err != nil {
		return "", err
	}
	return ctn.State, nil
}

func (f *fakeRuntime) StopService(context.Context, string) error  { return nil }
func (f *fakeRuntime) StartService(context.Context, string) error { return nil }

func (f *fakeRuntime) Exec(_ context.Context, _ string, cmd []string, env []string) (*docker.ExecStream, error) {
	f.execCalls = append(f.execCalls, cmd)
	f.execEnvs = append(f.execEnvs, env)
	reader := io.NopCloser(strings.NewReader(f.execOutput))
	err := f.execErr
	return &docker.ExecStream{Reader: reader, Wait: func() error { return err }}, nil
}

func (f *fakeRuntime) ExecRun(ctx context.Context, id string, cmd []string, env []string) error {
	f.execCalls = append(f.execCalls, cmd)
	f.execCtxErrs = append(f.execCtxErrs, ctx.Err())
	return nil
}

func (f *fakeRuntime) CopyFrom(context.Context, string, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("tar-payload"))), nil
}

func testCoordinator(t *testing.T, rt *fakeRuntime) *Coordinator {
	t.Helper()
	staging := t.TempDir()
	return &Coordinator{
		Runtime:     rt,
		Log:         zerolog.New(os.Stderr).Level(zerolog.Disabled),
		StagingRoot: staging,
		DumpDir:     filepath.Join(staging, "dumps-test"),
	}
}

func mysqlTarget() Target {
	return Target{Container: "db-mysql", Engine: EngineMariaDB, Username: "root", Credential: "s3cret"}
}

func TestDumpAllSkipsMissingContainer(t *testing.T) {
	rt := &fakeRuntime{containers: map[string]docker.Container{}}
	c := testCoordinator(t, rt)

	artifacts, err := c.DumpAll(context.Background(), []Target{mysqlTarget()})
	if err != nil {
		t.Fatalf("missing container must be a skip, got %v", err)
	}
	if len(artifacts) != 0 {
		t.Fatalf("artifacts = %v, want none", artifacts)
	}
	if len(rt.execCalls) != 0 {
		t.Fatalf("no dump command may run for a missing container, got %v", rt.execCalls)
	}
}

func TestDumpAllStreamsGzipArtifact(t *testing.T) {
	rt := &fakeRuntime{
		containers: map[string]docker.Container{"db-mysql": {ID: "abc", Name: "db-mysql", State: "running"}},
		execOutput: "-- MariaDB dump\nCREATE DATABASE app;\n",
	}
	c := testCoordinator(t, rt)

	artifacts, err := c.DumpAll(context.Background(), []Target{mysqlTarget()})
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(artifacts))
	}
	a := artifacts[0]
	if !strings.HasSuffix(a.Path, "db-mysql.sql.gz") {
		t.Fatalf("unexpected artifact path %s", a.Path)
	}

	file, err := os.Open(a.Path)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer file.Close()
	gz, err := compress.WrapReader(compress.TypeGzip, file)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	content, _ := io.ReadAll(gz)
	if string(content) != rt.execOutput {
		t.Fatalf("artifact content = %q", content)
	}

	// Credential must travel via env, and never appear in argv.
	if got := rt.execEnvs[0]; len(got) != 1 || got[0] != "MYSQL_PWD=s3cret" {
		t.Fatalf("exec env = %v", got)
	}
	for _, arg := range rt.execCalls[0] {
		if strings.Contains(arg, "s3cret") {
			t.Fatalf("credential leaked into argv: %v", rt.execCalls[0])
		}
	}
}

func TestDumpFailureRemovesPartialOutput(t *testing.T) {
	rt := &fakeRuntime{
		containers: map[string]docker.Container{"db-mysql": {ID: "abc", State: "running"}},
		execOutput: "partial output",
		execErr:    fmt.Errorf("mysqldump exited 2"),
	}
	c := testCoordinator(t, rt)

	_, err := c.DumpAll(context.Background(), []Target{mysqlTarget()})
	if err == nil {
		t.Fatal("expected dump failure to be fatal")
	}
	if !strings.Contains(err.Error(), "db-mysql") || !strings.Contains(err.Error(), "mariadb") {
		t.Fatalf("error must name container and engine: %v", err)
	}
	entries, _ := os.ReadDir(c.DumpDir)
	if len(entries) != 0 {
		t.Fatalf("partial output not removed: %v", entries)
	}
}

func TestDestinationContainment(t *testing.T) {
	c := testCoordinator(t, &fakeRuntime{})
	target := mysqlTarget()
	target.Container = "../../etc/evil"
	if _, err := c.destination(target); err == nil {
		t.Fatal("expected traversal container name to be rejected")
	}
}

func TestVerifyArtifactsDetectsCorruption(t *testing.T) {
	rt := &fakeRuntime{
		containers: map[string]docker.Container{"db-mysql": {ID: "abc", State: "running"}},
		execOutput: strings.Repeat("INSERT INTO t VALUES (42);\n", 256),
	}
	c := testCoordinator(t, rt)
	artifacts, err := c.DumpAll(context.Background(), []Target{mysqlTarget()})
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if err := c.VerifyArtifacts(artifacts); err != nil {
		t.Fatalf("verify clean artifact: %v", err)
	}
	if !artifacts[0].Verified {
		t.Fatal("artifact not marked verified")
	}

	// Corrupt the artifact in place.
	data, _ := os.ReadFile(artifacts[0].Path)
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(artifacts[0].Path, data, 0o600); err != nil {
		t.Fatalf("rewrite artifact: %v", err)
	}
	artifacts[0].Verified = false
	if err := c.VerifyArtifacts(artifacts); err == nil {
		t.Fatal("expected corrupted artifact to fail the integrity pass")
	}
}

func TestInfluxDumpPackagesTarStream(t *testing.T) {
	rt := &fakeRuntime{
		containers: map[string]docker.Container{"influxdb": {ID: "inf", State: "running"}},
	}
	c := testCoordinator(t, rt)
	target := Target{Container: "influxdb", Engine: EngineInflux}

	artifacts, err := c.DumpAll(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("influx dump: %v", err)
	}
	if len(artifacts) != 1 || !strings.HasSuffix(artifacts[0].Path, "influxdb.tar.gz") {
		t.Fatalf("artifacts = %v", artifacts)
	}

	var sawBackup, sawCleanup bool
	for _, cmd := range rt.execCalls {
		if len(cmd) > 0 && cmd[0] == "influxd" {
			sawBackup = true
		}
		if len(cmd) > 0 && cmd[0] == "rm" {
			sawCleanup = true
		}
	}
	if !sawBackup || !sawCleanup {
		t.Fatalf("expected influxd backup and cleanup, got %v", rt.execCalls)
	}
}

func TestInfluxCleanupSurvivesCancellation(t *testing.T) {
	rt := &fakeRuntime{
		containers: map[string]docker.Container{"influxdb": {ID: "inf", State: "running"}},
	}
	c := testCoordinator(t, rt)
	if err := os.MkdirAll(c.DumpDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ctn := docker.Container{ID: "inf", Name: "influxdb", State: "running"}
	_ = c.influxDump(ctx, ctn, filepath.Join(c.DumpDir, "influxdb.tar.gz"))

	for i, cmd := range rt.execCalls {
		if len(cmd) > 0 && cmd[0] == "rm" {
			if rt.execCtxErrs[i] != nil {
				t.Fatalf("container cleanup ran on a dead context: %v", rt.execCtxErrs[i])
			}
			return
		}
	}
	t.Fatalf("cleanup never attempted, calls: %v", rt.execCalls)
}
