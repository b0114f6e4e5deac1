package verify

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/rowjay/hostbak/internal/borg"
)

type fakeRunner struct {
	archives []string
	contents map[string][]string
	files    map[string][]byte
	calls    [][]string
}

func (f *fakeRunner) Run(ctx context.Context, env []string, args ...string) (int, []byte, error) {
	f.calls = append(f.calls, args)
	switch {
	case args[0] == "list" && !strings.Contains(args[2], "::"):
		return 0, []byte(strings.Join(f.archives, "\n")), nil
	case args[0] == "list":
		pattern := ""
		if len(args) > 3 {
			pattern = args[3]
		}
		return 0, []byte(strings.Join(f.contents[pattern], "\n")), nil
	}
	return 2, nil, fmt.Errorf("unexpected command %v", args)
}

func (f *fakeRunner) RunTo(ctx context.Context, w io.Writer, env []string, args ...string) (int, error) {
	f.calls = append(f.calls, args)
	rel := args[3]
	data, ok := f.files[rel]
	if !ok {
		return 2, fmt.Errorf("no such member %s", rel)
	}
	_, err := w.Write(data)
	return 0, err
}

func makeTarball(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range members {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(content))}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write member: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func newVerifier(t *testing.T, runner *fakeRunner) *Verifier {
	t.Helper()
	return &Verifier{
		Borg:       &borg.Client{Repo: "/mnt/backup/repo", Runner: runner, Log: zerolog.Nop()},
		Log:        zerolog.Nop(),
		Roots:      []string{"/"},
		StagingDir: "/var/backups/staging",
		WorkDir:    t.TempDir(),
	}
}

func hostFiles(payload string, tarball []byte) map[string][]byte {
	files := map[string][]byte{
		"etc/hostname": []byte("backup01\n"),
		"etc/passwd":   []byte("root:x:0:0:root:/root:/bin/bash\n"),
		"etc/group":    []byte("root:x:0:\n"),
	}
	if payload != "" {
		files[payload] = tarball
	}
	return files
}

func TestVerifyWithExactPayload(t *testing.T) {
	payload := "var/backups/staging/db-dumps-20260828T020000.tar.gz"
	tarball := makeTarball(t, map[string]string{
		"db-mysql.sql.gz":    "mysql dump",
		"db-postgres.sql.gz": "postgres dump",
	})
	runner := &fakeRunner{
		archives: []string{"backup01-20260827T020000", "backup01-20260828T020000"},
		contents: map[string][]string{"var/backups/staging": {payload}},
		files:    hostFiles(payload, tarball),
	}
	v := newVerifier(t, runner)

	report, err := v.Verify(context.Background(), nil,
		borg.Handle{Repo: v.Borg.Repo, Name: "backup01-20260828T020000"},
		Options{PayloadName: "db-dumps-20260828T020000.tar.gz"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Payload != payload {
		t.Fatalf("payload = %q, want %q", report.Payload, payload)
	}
	if len(report.SpotChecked) != 3 {
		t.Fatalf("spot checked %d files, want 3", len(report.SpotChecked))
	}
	if report.PayloadEntries != 2 {
		t.Fatalf("payload entries = %d, want 2", report.PayloadEntries)
	}
	if report.PayloadBytes == 0 {
		t.Fatal("payload bytes = 0")
	}
}

func TestVerifyMissingArchive(t *testing.T) {
	runner := &fakeRunner{archives: []string{"other-archive"}}
	v := newVerifier(t, runner)

	_, err := v.Verify(context.Background(), nil,
		borg.Handle{Repo: v.Borg.Repo, Name: "backup01-20260828T020000"}, Options{PayloadOptional: true})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want archive-not-found error", err)
	}
}

func TestVerifyMissingPayloadIsFatalWhenNamed(t *testing.T) {
	runner := &fakeRunner{
		archives: []string{"backup01-20260828T020000"},
		contents: map[string][]string{"var/backups/staging": nil},
		files:    hostFiles("", nil),
	}
	v := newVerifier(t, runner)

	_, err := v.Verify(context.Background(), nil,
		borg.Handle{Repo: v.Borg.Repo, Name: "backup01-20260828T020000"},
		Options{PayloadName: "db-dumps-20260828T020000.tar.gz"})
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("err = %v, want missing-payload error", err)
	}
}

func TestVerifyMissingPayloadToleratedInAudit(t *testing.T) {
	runner := &fakeRunner{
		archives: []string{"backup01-20260828T020000"},
		contents: map[string][]string{"var/backups/staging": nil},
		files:    hostFiles("", nil),
	}
	v := newVerifier(t, runner)

	report, err := v.Verify(context.Background(), nil,
		borg.Handle{Repo: v.Borg.Repo, Name: "backup01-20260828T020000"},
		Options{PayloadOptional: true})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Payload != "" {
		t.Fatalf("payload = %q, want empty", report.Payload)
	}
	if len(report.SpotChecked) != 3 {
		t.Fatalf("spot files still checked = %d, want 3", len(report.SpotChecked))
	}
}

func TestVerifyPicksNewestPayload(t *testing.T) {
	older := "var/backups/staging/db-dumps-20260827T020000.tar.gz"
	newer := "var/backups/staging/db-dumps-20260828T020000.tar.gz"
	tarball := makeTarball(t, map[string]string{"db-mysql.sql.gz": "dump"})
	runner := &fakeRunner{
		archives: []string{"backup01-20260828T020000"},
		contents: map[string][]string{"var/backups/staging": {older, newer}},
		files:    hostFiles(newer, tarball),
	}
	v := newVerifier(t, runner)

	report, err := v.Verify(context.Background(), nil,
		borg.Handle{Repo: v.Borg.Repo, Name: "backup01-20260828T020000"}, Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Payload != newer {
		t.Fatalf("payload = %q, want newest %q", report.Payload, newer)
	}
}

func TestVerifyEmptySpotFileFails(t *testing.T) {
	payload := "var/backups/staging/db-dumps-20260828T020000.tar.gz"
	tarball := makeTarball(t, map[string]string{"db-mysql.sql.gz": "dump"})
	files := hostFiles(payload, tarball)
	files["etc/passwd"] = nil
	runner := &fakeRunner{
		archives: []string{"backup01-20260828T020000"},
		contents: map[string][]string{"var/backups/staging": {payload}},
		files:    files,
	}
	v := newVerifier(t, runner)

	_, err := v.Verify(context.Background(), nil,
		borg.Handle{Repo: v.Borg.Repo, Name: "backup01-20260828T020000"}, Options{})
	if err == nil || !strings.Contains(err.Error(), "empty content") {
		t.Fatalf("err = %v, want empty-content error", err)
	}
}

func TestVerifyCorruptPayloadFails(t *testing.T) {
	payload := "var/backups/staging/db-dumps-20260828T020000.tar.gz"
	tarball := makeTarball(t, map[string]string{"db-mysql.sql.gz": "mysql dump payload data"})
	tarball[len(tarball)/2] ^= 0xff
	runner := &fakeRunner{
		archives: []string{"backup01-20260828T020000"},
		contents: map[string][]string{"var/backups/staging": {payload}},
		files:    hostFiles(payload, tarball),
	}
	v := newVerifier(t, runner)

	_, err := v.Verify(context.Background(), nil,
		borg.Handle{Repo: v.Borg.Repo, Name: "backup01-20260828T020000"}, Options{})
	if err == nil {
		t.Fatal("corrupt payload accepted")
	}
}

func TestVerifyRootsWithoutEtcSkipSpotCheck(t *testing.T) {
	payload := "var/backups/staging/db-dumps-20260828T020000.tar.gz"
	tarball := makeTarball(t, map[string]string{"db-mysql.sql.gz": "dump"})
	runner := &fakeRunner{
		archives: []string{"backup01-20260828T020000"},
		contents: map[string][]string{"var/backups/staging": {payload}},
		files:    map[string][]byte{payload: tarball},
	}
	v := newVerifier(t, runner)
	v.Roots = []string{"/var"}

	report, err := v.Verify(context.Background(), nil,
		borg.Handle{Repo: v.Borg.Repo, Name: "backup01-20260828T020000"}, Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(report.SpotChecked) != 0 {
		t.Fatalf("spot checked %d files, want 0 for roots without /etc", len(report.SpotChecked))
	}
	if report.PayloadEntries != 1 {
		t.Fatalf("payload entries = %d, want 1", report.PayloadEntries)
	}
}

func TestVerifyStagingOutsideRoots(t *testing.T) {
	runner := &fakeRunner{archives: []string{"backup01-20260828T020000"}}
	v := newVerifier(t, runner)
	v.Roots = []string{"/srv"}

	_, err := v.Verify(context.Background(), nil,
		borg.Handle{Repo: v.Borg.Repo, Name: "backup01-20260828T020000"}, Options{})
	if err == nil || !strings.Contains(err.Error(), "outside the backup roots") {
		t.Fatalf("err = %v, want outside-roots error", err)
	}
}

func TestArchiveRelativeMapping(t *testing.T) {
	v := &Verifier{Roots: []string{"/etc", "/srv/data"}}

	rel, ok := v.archiveRelative("/etc/passwd")
	if !ok || rel != "etc/passwd" {
		t.Fatalf("got (%q, %v), want (etc/passwd, true)", rel, ok)
	}
	rel, ok = v.archiveRelative("/srv/data/app/db")
	if !ok || rel != "srv/data/app/db" {
		t.Fatalf("got (%q, %v), want (srv/data/app/db, true)", rel, ok)
	}
	if _, ok := v.archiveRelative("/home/ops"); ok {
		t.Fatal("path outside roots reported as covered")
	}
	// Prefix match is per path element, not per byte.
	if _, ok := v.archiveRelative("/srv/database"); ok {
		t.Fatal("sibling with shared prefix reported as covered")
	}
}
