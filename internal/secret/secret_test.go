package secret

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testStore(t *testing.T, content string) *Store {
	t.Helper()
	s, err := parse(strings.NewReader(content), "test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return s
}

func TestCredentialPrecedence(t *testing.T) {
	s := testStore(t, `
# host secrets
BORG_PASSPHRASE=topsecret
DB_PASSWORD=fallback
DB_PASSWORD_DB_MYSQL="specific"
`)
	if cred, ok := s.Credential("db-mysql"); !ok || cred != "specific" {
		t.Fatalf("Credential(db-mysql) = %q, %v", cred, ok)
	}
	if cred, ok := s.Credential("db-postgres"); !ok || cred != "fallback" {
		t.Fatalf("Credential(db-postgres) = %q, %v", cred, ok)
	}
}

func TestCredentialMissing(t *testing.T) {
	s := testStore(t, "BORG_PASSPHRASE=x\n")
	if _, ok := s.Credential("db-mysql"); ok {
		t.Fatal("expected no credential")
	}
}

func TestPassphraseRequired(t *testing.T) {
	s := testStore(t, "DB_PASSWORD=x\n")
	if _, err := s.Passphrase(); err == nil {
		t.Fatal("expected missing passphrase error")
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	if _, err := parse(strings.NewReader("NOT A KEY VALUE\n"), "test"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWithPassphraseErasesFile(t *testing.T) {
	broker := &Broker{Log: zerolog.New(os.Stderr).Level(zerolog.Disabled), TempDir: "/tmp"}

	var conduit string
	err := broker.WithPassphrase("hunter2", func(env []string) error {
		if len(env) != 1 || !strings.HasPrefix(env[0], "BORG_PASSCOMMAND=cat ") {
			t.Fatalf("unexpected env: %v", env)
		}
		conduit = strings.TrimPrefix(env[0], "BORG_PASSCOMMAND=cat ")
		data, err := os.ReadFile(conduit)
		if err != nil {
			t.Fatalf("read conduit: %v", err)
		}
		if string(data) != "hunter2" {
			t.Fatalf("conduit content = %q", data)
		}
		info, err := os.Stat(conduit)
		if err != nil {
			t.Fatalf("stat conduit: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("conduit permissions = %04o", perm)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithPassphrase: %v", err)
	}
	if _, err := os.Stat(conduit); !os.IsNotExist(err) {
		t.Fatalf("conduit still exists after success: %v", err)
	}
}

func TestWithPassphraseErasesFileOnFailure(t *testing.T) {
	broker := &Broker{Log: zerolog.New(os.Stderr).Level(zerolog.Disabled), TempDir: "/tmp"}
	boom := errors.New("borg exploded")

	var conduit string
	err := broker.WithPassphrase("hunter2", func(env []string) error {
		conduit = strings.TrimPrefix(env[0], "BORG_PASSCOMMAND=cat ")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}
	if _, err := os.Stat(conduit); !os.IsNotExist(err) {
		t.Fatalf("conduit still exists after failure: %v", err)
	}
}

func TestBrokerRejectsUntrustedTempDir(t *testing.T) {
	broker := &Broker{Log: zerolog.New(os.Stderr).Level(zerolog.Disabled), TempDir: "/opt/hostbak"}
	err := broker.WithPassphrase("x", func([]string) error { return nil })
	if err == nil {
		t.Fatal("expected untrusted temp dir to be rejected")
	}
}
