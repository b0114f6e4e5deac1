package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
global:
  log_level: debug
  secrets_file: /etc/hostbak/secrets
borg:
  repo: /mnt/backup/repo
  keep_daily: 7
paths:
  backup_roots: ["/etc", "/srv"]
services:
  compose_file: /srv/stack/docker-compose.yml
  stop: [web, worker]
databases:
  - container: db-mysql
    engine: mysql
  - container: db-postgres
    engine: postgres
    username: app
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostbak.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Global.LogLevel != "debug" {
		t.Fatalf("log_level = %s", cfg.Global.LogLevel)
	}
	if cfg.Global.LogFormat != "json" {
		t.Fatalf("default log_format = %s", cfg.Global.LogFormat)
	}
	if cfg.Borg.Binary != "borg" || cfg.Borg.Compression != "zstd,3" {
		t.Fatalf("borg defaults = %+v", cfg.Borg)
	}
	if cfg.Borg.KeepDaily != 7 {
		t.Fatalf("keep_daily = %d, want file value 7", cfg.Borg.KeepDaily)
	}
	if cfg.Services.StopTimeout != 60*time.Second {
		t.Fatalf("stop_timeout = %v", cfg.Services.StopTimeout)
	}
	if cfg.Global.Hostname == "" {
		t.Fatal("hostname not defaulted")
	}
	if len(cfg.Databases) != 2 || cfg.Databases[1].Username != "app" {
		t.Fatalf("databases = %+v", cfg.Databases)
	}
}

func TestLoadRejectsRelativeRepo(t *testing.T) {
	bad := strings.Replace(sampleYAML, "/mnt/backup/repo", "backup/repo", 1)
	if _, err := Load(writeConfig(t, bad)); err == nil || !strings.Contains(err.Error(), "borg.repo") {
		t.Fatalf("err = %v, want borg.repo validation error", err)
	}
}

func TestLoadRejectsUnknownEngine(t *testing.T) {
	bad := strings.Replace(sampleYAML, "engine: mysql", "engine: mongodb", 1)
	if _, err := Load(writeConfig(t, bad)); err == nil || !strings.Contains(err.Error(), "unsupported database engine") {
		t.Fatalf("err = %v, want engine error", err)
	}
}

func TestLoadRejectsDuplicateContainer(t *testing.T) {
	bad := strings.Replace(sampleYAML, "container: db-postgres", "container: db-mysql", 1)
	if _, err := Load(writeConfig(t, bad)); err == nil || !strings.Contains(err.Error(), "listed twice") {
		t.Fatalf("err = %v, want duplicate error", err)
	}
}

func TestLoadRejectsRelativeExclude(t *testing.T) {
	bad := sampleYAML + "\n"
	bad = strings.Replace(bad, "paths:\n  backup_roots: [\"/etc\", \"/srv\"]",
		"paths:\n  backup_roots: [\"/etc\", \"/srv\"]\n  excludes: [\"var/tmp\"]", 1)
	if _, err := Load(writeConfig(t, bad)); err == nil || !strings.Contains(err.Error(), "must be absolute") {
		t.Fatalf("err = %v, want exclude error", err)
	}
}

func TestLoadEncryptedConfig(t *testing.T) {
	key := strings.Repeat("ab", 32) // 32 bytes hex
	plainPath := writeConfig(t, sampleYAML)
	encPath := filepath.Join(filepath.Dir(plainPath), "hostbak.yaml.enc")
	if err := EncryptConfigFile(plainPath, encPath, key); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := Load(encPath); err == nil {
		t.Fatal("encrypted config loaded without a key")
	}

	t.Setenv("HOSTBAK_CONFIG_KEY", key)
	cfg, err := Load(encPath)
	if err != nil {
		t.Fatalf("load encrypted: %v", err)
	}
	if cfg.Borg.Repo != "/mnt/backup/repo" {
		t.Fatalf("repo = %s", cfg.Borg.Repo)
	}
}

func TestDumpTargetsDefaultsUsernames(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	targets, err := cfg.DumpTargets()
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if targets[0].Username != "root" {
		t.Fatalf("mysql default user = %s", targets[0].Username)
	}
	if targets[1].Username != "app" {
		t.Fatalf("postgres user = %s, want configured app", targets[1].Username)
	}
}
