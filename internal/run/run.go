// Package run wires every subsystem into the nightly backup sequence and
// owns its failure compensation: whatever the run stopped gets restarted,
// whatever it locked gets released, and the operator hears about the
// outcome either way.
package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/hostbak/internal/borg"
	"github.com/rowjay/hostbak/internal/config"
	"github.com/rowjay/hostbak/internal/cryptoutil"
	"github.com/rowjay/hostbak/internal/docker"
	"github.com/rowjay/hostbak/internal/dump"
	"github.com/rowjay/hostbak/internal/guard"
	"github.com/rowjay/hostbak/internal/health"
	"github.com/rowjay/hostbak/internal/lock"
	"github.com/rowjay/hostbak/internal/metrics"
	"github.com/rowjay/hostbak/internal/notify"
	"github.com/rowjay/hostbak/internal/offsite"
	"github.com/rowjay/hostbak/internal/secret"
	"github.com/rowjay/hostbak/internal/services"
	"github.com/rowjay/hostbak/internal/sqlite"
	"github.com/rowjay/hostbak/internal/verify"
)

// Flags are the per-invocation switches, straight from the command line.
type Flags struct {
	DryRun      bool
	CheckOnly   bool
	NoPrune     bool
	RepoCheck   bool
	CheckSqlite bool
	VerifyOnly  bool
	Archive     string // with VerifyOnly: verify this archive instead of the newest
}

// Orchestrator executes one invocation. Runtime and BorgRunner are settable
// so tests can substitute fakes; left nil they are constructed from config.
type Orchestrator struct {
	Cfg   *config.Config
	Log   zerolog.Logger
	Flags Flags

	Runtime    docker.Runtime
	BorgRunner borg.Runner
	Notifier   notify.Notifier
}

const timestampLayout = "20060102T150405"

// RunContext fixes the identity of one invocation at start time. Borg
// archive names cannot contain the repo::name separator, so the timestamp
// format stays free of colons.
type RunContext struct {
	Host    string
	Start   time.Time
	Stamp   string
	Archive string
}

func NewRunContext(host string, start time.Time) RunContext {
	stamp := start.UTC().Format(timestampLayout)
	return RunContext{Host: host, Start: start, Stamp: stamp, Archive: host + "-" + stamp}
}

func (o *Orchestrator) Execute(ctx context.Context) error {
	start := time.Now()

	if !o.Flags.CheckSqlite {
		// A readable-by-others secrets file must fail here, before the lock
		// is touched: a stale-lock takeover is a mutation this configuration
		// error has to precede.
		if err := guard.ValidateSecretsFile(o.Cfg.Global.SecretsFile); err != nil {
			return o.reportFatal(ctx, start, err)
		}
	}

	lk, err := lock.Acquire(o.Cfg.Global.LockFile, o.Log)
	if err != nil {
		return o.reportFatal(ctx, start, err)
	}
	defer lk.Release()

	// No run-wide deadline: an initial full-host archive pass can legitimately
	// take many hours. Service stops carry their own poll timeout.

	runtime := o.Runtime
	if runtime == nil {
		client, err := docker.New(int(o.Cfg.Services.StopTimeout.Seconds()))
		if err != nil {
			return o.reportFatal(ctx, start, err)
		}
		runtime = client
	}

	checker := &health.Checker{
		Log:          o.Log,
		Runtime:      runtime,
		BorgBinary:   o.Cfg.Borg.Binary,
		RepoPath:     filepath.Dir(o.Cfg.Borg.Repo),
		StagingPath:  o.Cfg.Paths.StagingDir,
		MinFreeBytes: o.Cfg.Health.MinFreeBytes,
		MaxLoadRatio: o.Cfg.Health.MaxLoadRatio,
	}
	if err := checker.Run(ctx); err != nil {
		return o.reportFatal(ctx, start, err)
	}

	if o.Flags.CheckSqlite {
		if err := o.checkSqlite(ctx); err != nil {
			return o.reportFatal(ctx, start, err)
		}
		return nil
	}

	secrets, err := secret.Load(o.Cfg.Global.SecretsFile)
	if err != nil {
		return o.reportFatal(ctx, start, err)
	}
	passphrase, err := secrets.Passphrase()
	if err != nil {
		return o.reportFatal(ctx, start, err)
	}

	runner := o.BorgRunner
	if runner == nil {
		runner = borg.NewRunner(o.Cfg.Borg.Binary)
	}
	client := &borg.Client{
		Repo:        o.Cfg.Borg.Repo,
		Compression: o.Cfg.Borg.Compression,
		Runner:      runner,
		Log:         o.Log,
	}
	broker := &secret.Broker{Log: o.Log}

	switch {
	case o.Flags.CheckOnly:
		if err := o.checkOnly(secrets); err != nil {
			return o.reportFatal(ctx, start, err)
		}
		return nil
	case o.Flags.RepoCheck:
		o.Log.Info().Msg("running full repository check with data verification")
		err := broker.WithPassphrase(passphrase, func(env []string) error {
			return client.Check(ctx, env, true)
		})
		if err != nil {
			return o.reportFatal(ctx, start, err)
		}
		return nil
	case o.Flags.VerifyOnly:
		err := broker.WithPassphrase(passphrase, func(env []string) error {
			return o.verifyOnly(ctx, client, env)
		})
		if err != nil {
			return o.reportFatal(ctx, start, err)
		}
		return nil
	}

	return o.backup(ctx, start, runtime, client, broker, secrets, passphrase)
}

// reportFatal delivers the single failure notification for fatal errors
// raised outside the backup sequence; backup failures report through fail,
// which also records metrics.
func (o *Orchestrator) reportFatal(ctx context.Context, start time.Time, cause error) error {
	rec := metrics.Record{
		Timestamp:       start.UTC(),
		Host:            o.Cfg.Global.Hostname,
		DurationSeconds: time.Since(start).Seconds(),
	}
	o.notifyOutcome(ctx, rec, notify.StatusFailure, cause.Error())
	return cause
}

// checkOnly exercises every precondition of a real run without touching
// anything: secrets parse, credentials resolve, the compose graph converges.
func (o *Orchestrator) checkOnly(secrets *secret.Store) error {
	targets, err := o.resolveTargets(secrets)
	if err != nil {
		return err
	}
	if o.Cfg.Services.ComposeFile != "" {
		mgr := o.newServiceManager(nil)
		ordered, err := mgr.DiscoverDependents(dbServices(targets, o.Cfg.Services.Stop))
		if err != nil {
			return err
		}
		o.Log.Info().Strs("stop_order", ordered).Msg("service stop order")
	}
	o.Log.Info().Int("databases", len(targets)).Msg("configuration check passed")
	return nil
}

func (o *Orchestrator) checkSqlite(ctx context.Context) error {
	checker := &sqlite.Checker{Log: o.Log, SkipDirs: o.Cfg.Sqlite.SkipDirs}
	results, err := checker.Sweep(ctx, o.Cfg.Paths.BackupRoots)
	if err != nil {
		return err
	}
	failed := sqlite.Failed(results)
	for _, r := range failed {
		o.Log.Error().Str("path", r.Path).Err(r.Err).Msg("sqlite integrity check failed")
	}
	o.Log.Info().Int("checked", len(results)).Int("failed", len(failed)).Msg("sqlite sweep complete")
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d sqlite databases failed integrity check", len(failed), len(results))
	}
	return nil
}

func (o *Orchestrator) verifyOnly(ctx context.Context, client *borg.Client, env []string) error {
	name := o.Flags.Archive
	if name == "" {
		names, err := client.ListArchives(ctx, env)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return fmt.Errorf("repository %s holds no archives", client.Repo)
		}
		name = names[len(names)-1]
	}
	verifier := o.newVerifier(client)
	_, err := verifier.Verify(ctx, env, borg.Handle{Repo: client.Repo, Name: name},
		verify.Options{PayloadOptional: true})
	return err
}

func (o *Orchestrator) backup(ctx context.Context, start time.Time, runtime docker.Runtime,
	client *borg.Client, broker *secret.Broker, secrets *secret.Store, passphrase string) error {

	rc := NewRunContext(o.Cfg.Global.Hostname, start)
	rec := metrics.Record{
		Timestamp: start.UTC(),
		Host:      rc.Host,
		Archive:   rc.Archive,
	}

	stopHeartbeat := o.startHeartbeat(ctx, rc.Archive)
	defer stopHeartbeat()

	targets, err := o.resolveTargets(secrets)
	if err != nil {
		return o.fail(ctx, start, rec, err)
	}

	mgr := o.newServiceManager(runtime)
	defer mgr.RestoreStopped(context.WithoutCancel(ctx))

	coordinator := &dump.Coordinator{
		Runtime:     runtime,
		Log:         o.Log,
		StagingRoot: o.Cfg.Paths.StagingDir,
		DumpDir:     filepath.Join(o.Cfg.Paths.StagingDir, "dumps-"+rc.Stamp),
	}
	defer coordinator.Cleanup()

	payloadPath := ""
	if !o.Flags.DryRun {
		payloadPath, err = o.prepareDumps(ctx, mgr, coordinator, targets, &rec, rc.Stamp)
		if err != nil {
			return o.fail(ctx, start, rec, err)
		}
		if payloadPath != "" {
			defer os.Remove(payloadPath)
		}
	} else {
		o.Log.Info().Msg("dry run: skipping service stops and database dumps")
	}

	var warnings int
	var stats borg.ArchiveStats
	err = broker.WithPassphrase(passphrase, func(env []string) error {
		if !o.Flags.DryRun {
			// A dry run must leave a missing repository missing; bootstrap
			// only happens on runs that will actually write an archive.
			if err := client.EnsureRepo(ctx, env); err != nil {
				return err
			}
		}

		excludes, err := borg.BuildExcludes(o.Cfg.Paths.Excludes)
		if err != nil {
			return err
		}
		handle, warned, err := client.Create(ctx, env, borg.CreateOptions{
			ArchiveName: rc.Archive,
			Paths:       o.Cfg.Paths.BackupRoots,
			Excludes:    excludes,
			DryRun:      o.Flags.DryRun,
		})
		if err != nil {
			return err
		}
		if warned {
			warnings++
		}
		if o.Flags.DryRun {
			o.Log.Info().Str("archive", handle.Name).Msg("dry run complete")
			return nil
		}

		if !o.Flags.NoPrune {
			warned, err := client.Prune(ctx, env, o.Cfg.Borg.KeepDaily)
			if err != nil {
				return err
			}
			if warned {
				warnings++
			}
		}

		// With no dumps produced this run there is no tarball to demand.
		opts := verify.Options{PayloadOptional: true}
		if payloadPath != "" {
			opts = verify.Options{PayloadName: filepath.Base(payloadPath)}
		}
		verifier := o.newVerifier(client)
		if _, err := verifier.Verify(ctx, env, handle, opts); err != nil {
			// The archive stays in the repository for forensics; the run
			// still fails so the operator investigates before trusting it.
			return fmt.Errorf("archive verification failed: %w", err)
		}

		if s, err := client.Info(ctx, env, handle); err != nil {
			o.Log.Warn().Err(err).Msg("could not read archive stats")
		} else {
			stats = s
		}
		return nil
	})
	if err != nil {
		return o.fail(ctx, start, rec, err)
	}

	if !o.Flags.DryRun {
		if err := mgr.Start(ctx); err != nil {
			return o.fail(ctx, start, rec, err)
		}
	}

	rec.Success = true
	rec.Warnings = warnings
	rec.DurationSeconds = time.Since(start).Seconds()
	rec.OriginalSize = stats.OriginalSize
	rec.CompressedSize = stats.CompressedSize
	rec.DeduplicatedSize = stats.DedupedSize

	if !o.Flags.DryRun {
		o.finishRun(ctx, rec, payloadPath, secrets)
	}

	o.Log.Info().
		Str("archive", rc.Archive).
		Int("warnings", warnings).
		Dur("duration", time.Since(start)).
		Msg("backup run complete")
	return nil
}

// prepareDumps quiesces dependent services, dumps every configured database,
// verifies the dumps, and rolls them into the payload tarball. The database
// services themselves are stopped only after their dumps are on disk.
func (o *Orchestrator) prepareDumps(ctx context.Context, mgr *services.Manager,
	coordinator *dump.Coordinator, targets []dump.Target, rec *metrics.Record, ts string) (string, error) {

	if o.Cfg.Services.ComposeFile != "" {
		ordered, err := mgr.DiscoverDependents(dbServices(targets, o.Cfg.Services.Stop))
		if err != nil {
			return "", err
		}
		dbSet := make(map[string]bool, len(targets))
		for _, svc := range dbServices(targets, nil) {
			dbSet[svc] = true
		}
		// Dependent applications quiesce first; the databases themselves
		// keep running until their dumps are on disk, then go down too so
		// the filesystem pass sees quiescent data directories.
		var apps, dbOrder []string
		for _, svc := range ordered {
			if dbSet[svc] {
				dbOrder = append(dbOrder, svc)
			} else {
				apps = append(apps, svc)
			}
		}
		if err := mgr.Stop(ctx, apps); err != nil {
			return "", err
		}
		artifacts, err := coordinator.DumpAll(ctx, targets)
		if err != nil {
			return "", err
		}
		if err := coordinator.VerifyArtifacts(artifacts); err != nil {
			return "", err
		}
		rec.DumpCount = len(artifacts)
		if err := mgr.Stop(ctx, dbOrder); err != nil {
			return "", err
		}
	} else {
		artifacts, err := coordinator.DumpAll(ctx, targets)
		if err != nil {
			return "", err
		}
		if err := coordinator.VerifyArtifacts(artifacts); err != nil {
			return "", err
		}
		rec.DumpCount = len(artifacts)
	}

	// Zero dumps is legitimate: a host with no databases configured, or all
	// of them skipped because their containers are absent, still gets its
	// filesystem archived. There is just nothing to package.
	if rec.DumpCount == 0 {
		o.Log.Info().Msg("no database dumps produced, skipping payload packaging")
		return "", nil
	}

	payloadPath := filepath.Join(o.Cfg.Paths.StagingDir, fmt.Sprintf("db-dumps-%s.tar.gz", ts))
	if err := dump.Package(coordinator.DumpDir, payloadPath); err != nil {
		return "", err
	}
	return payloadPath, nil
}

// finishRun is the best-effort tail of a successful backup: metrics,
// off-site copy, notification. None of these can fail the run; the archive
// is already written and verified.
func (o *Orchestrator) finishRun(ctx context.Context, rec metrics.Record, payloadPath string, secrets *secret.Store) {
	writer := &metrics.Writer{Dir: o.Cfg.Paths.MetricsDir, Log: o.Log}
	metricsPath, err := writer.Write(rec)
	if err != nil {
		o.Log.Warn().Err(err).Msg("could not write metrics")
	}
	writer.Prune(o.Cfg.Global.LogKeepDays)

	if o.Cfg.Offsite.Enabled {
		o.uploadOffsite(ctx, payloadPath, metricsPath, rec, secrets)
	}

	status := notify.StatusSuccess
	if rec.Warnings > 0 {
		status = notify.StatusWarning
	}
	o.notifyOutcome(ctx, rec, status, "")
}

func (o *Orchestrator) uploadOffsite(ctx context.Context, payloadPath, metricsPath string, rec metrics.Record, secrets *secret.Store) {
	opts := offsite.Options{
		Endpoint:  o.Cfg.Offsite.Endpoint,
		Region:    o.Cfg.Offsite.Region,
		Bucket:    o.Cfg.Offsite.Bucket,
		Prefix:    o.Cfg.Offsite.Prefix,
		AccessKey: o.Cfg.Offsite.AccessKey,
		SecretKey: o.Cfg.Offsite.SecretKey,
		UseSSL:    o.Cfg.Offsite.UseSSL,
		PathStyle: o.Cfg.Offsite.PathStyle,
		Insecure:  o.Cfg.Offsite.Insecure,
		Retries:   o.Cfg.Offsite.Retries,
		Backoff:   o.Cfg.Offsite.Backoff,
	}
	if keyText, ok := secrets.OffsiteKey(); ok {
		key, err := cryptoutil.ParseKey(keyText)
		if err != nil {
			o.Log.Warn().Err(err).Msg("invalid offsite encryption key, skipping upload")
			return
		}
		opts.EncryptionKey = key
	}
	uploader, err := offsite.New(opts, o.Log)
	if err != nil {
		o.Log.Warn().Err(err).Msg("offsite upload unavailable")
		return
	}
	meta := map[string]string{"archive": rec.Archive, "host": rec.Host}
	if payloadPath != "" {
		if _, err := uploader.UploadFile(ctx, payloadPath, meta); err != nil {
			o.Log.Warn().Err(err).Msg("offsite dump upload failed")
		}
	}
	if metricsPath != "" {
		if _, err := uploader.UploadFile(ctx, metricsPath, meta); err != nil {
			o.Log.Warn().Err(err).Msg("offsite metrics upload failed")
		}
	}
}

// fail records and reports a failed run. The deferred compensations
// (service restore, dump cleanup, lock release) run after this returns.
func (o *Orchestrator) fail(ctx context.Context, start time.Time, rec metrics.Record, cause error) error {
	rec.Success = false
	rec.DurationSeconds = time.Since(start).Seconds()
	writer := &metrics.Writer{Dir: o.Cfg.Paths.MetricsDir, Log: o.Log}
	if _, err := writer.Write(rec); err != nil {
		o.Log.Warn().Err(err).Msg("could not write metrics")
	}
	o.notifyOutcome(ctx, rec, notify.StatusFailure, cause.Error())
	return cause
}

func (o *Orchestrator) notifyOutcome(ctx context.Context, rec metrics.Record, status, errText string) {
	notifier := o.Notifier
	if notifier == nil {
		notifier = o.buildNotifier()
	}
	message := fmt.Sprintf("backup of %s finished with status %s", rec.Host, status)
	if errText != "" {
		message = fmt.Sprintf("backup of %s failed: %s", rec.Host, errText)
	}
	event := notify.Event{
		Type:      "backup",
		Status:    status,
		Message:   message,
		Host:      rec.Host,
		Archive:   rec.Archive,
		StartedAt: rec.Timestamp,
		EndedAt:   time.Now().UTC(),
		Duration:  (time.Duration(rec.DurationSeconds * float64(time.Second))).Round(time.Second).String(),
		Warnings:  rec.Warnings,
		Error:     errText,
	}
	// Notification must survive a cancelled run context.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := notifier.Notify(nctx, event); err != nil {
		o.Log.Warn().Err(err).Msg("notification delivery failed")
	}
}

func (o *Orchestrator) buildNotifier() notify.Notifier {
	var targets []notify.Notifier
	for _, w := range o.Cfg.Notifications.Webhooks {
		targets = append(targets, notify.Webhook{Name: w.Name, URL: w.URL, Headers: w.Headers})
	}
	for _, m := range o.Cfg.Notifications.Mattermost {
		targets = append(targets, notify.Mattermost{Name: m.Name, URL: m.URL})
	}
	return notify.Multi{Targets: targets}
}

func (o *Orchestrator) newServiceManager(runtime docker.Runtime) *services.Manager {
	return &services.Manager{
		Runtime:       runtime,
		Log:           o.Log,
		ComposeFile:   o.Cfg.Services.ComposeFile,
		StopTimeout:   o.Cfg.Services.StopTimeout,
		PollInterval:  o.Cfg.Services.PollInterval,
		MaxIterations: o.Cfg.Services.MaxIterations,
	}
}

func (o *Orchestrator) newVerifier(client *borg.Client) *verify.Verifier {
	return &verify.Verifier{
		Borg:       client,
		Log:        o.Log,
		Roots:      o.Cfg.Paths.BackupRoots,
		StagingDir: o.Cfg.Paths.StagingDir,
		WorkDir:    o.Cfg.Paths.StagingDir,
	}
}

// resolveTargets attaches credentials from the secrets store to the
// configured databases. A missing credential for an engine that needs one
// fails the run up front, before anything is stopped or dumped.
func (o *Orchestrator) resolveTargets(secrets *secret.Store) ([]dump.Target, error) {
	targets, err := o.Cfg.DumpTargets()
	if err != nil {
		return nil, err
	}
	for i := range targets {
		if !targets[i].Engine.NeedsCredential() {
			continue
		}
		cred, ok := secrets.Credential(targets[i].Container)
		if !ok {
			return nil, fmt.Errorf("no credential for database %s in secrets file", targets[i].Container)
		}
		targets[i].Credential = cred
	}
	return targets, nil
}

// startHeartbeat logs progress periodically so an operator tailing the log
// can tell a long archive pass from a hung one.
func (o *Orchestrator) startHeartbeat(ctx context.Context, archive string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		started := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Log.Debug().Str("archive", archive).Dur("elapsed", time.Since(started).Round(time.Second)).Msg("backup still running")
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

// dbServices merges the configured database containers with any explicitly
// configured extra stop services, preserving order and dropping duplicates.
func dbServices(targets []dump.Target, extra []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range targets {
		if !seen[t.Container] {
			seen[t.Container] = true
			out = append(out, t.Container)
		}
	}
	for _, svc := range extra {
		if !seen[svc] {
			seen[svc] = true
			out = append(out, svc)
		}
	}
	return out
}

