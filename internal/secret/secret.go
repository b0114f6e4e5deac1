// Package secret handles everything that must never appear in argv or in a
// long-lived environment: the borg passphrase and database credentials.
package secret

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rowjay/hostbak/internal/guard"
	"github.com/rowjay/hostbak/internal/util"
)

const (
	// PassphraseKey is the secrets-file variable holding the borg passphrase.
	PassphraseKey = "BORG_PASSPHRASE"
	// CredentialPrefix is the per-container credential variable prefix.
	CredentialPrefix = "DB_PASSWORD_"
	// CredentialDefault is the fallback credential variable.
	CredentialDefault = "DB_PASSWORD"
	// OffsiteKeyName is the optional off-site encryption key variable.
	OffsiteKeyName = "OFFSITE_ENCRYPTION_KEY"
)

// trustedTempDirs are the only locations the passphrase conduit may live in.
var trustedTempDirs = []string{"/dev/shm", "/run", "/tmp", "/var/tmp"}

// Store is the parsed secrets file.
type Store struct {
	values map[string]string
}

// Load validates the secrets file (ownership, permissions) and parses its
// KEY=value lines. Blank lines and #-comments are ignored.
func Load(path string) (*Store, error) {
	if err := guard.ValidateSecretsFile(path); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open secrets file: %w", err)
	}
	defer file.Close()
	return parse(file, path)
}

func parse(r io.Reader, path string) (*Store, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("secrets file %s: malformed line %q", path, key)
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	return &Store{values: values}, nil
}

// Passphrase returns the borg passphrase; absence is an error.
func (s *Store) Passphrase() (string, error) {
	v, ok := s.values[PassphraseKey]
	if !ok || v == "" {
		return "", fmt.Errorf("secrets file does not define %s", PassphraseKey)
	}
	return v, nil
}

// Credential looks up the credential for a logical container name: the
// container-specific variable wins, the generic one is the fallback. The
// explicit two-value return lets the caller apply its own missing-credential
// policy.
func (s *Store) Credential(containerName string) (string, bool) {
	if v, ok := s.values[CredentialPrefix+util.SanitizeEnvKey(containerName)]; ok && v != "" {
		return v, true
	}
	if v, ok := s.values[CredentialDefault]; ok && v != "" {
		return v, true
	}
	return "", false
}

// OffsiteKey returns the optional off-site encryption key.
func (s *Store) OffsiteKey() (string, bool) {
	v, ok := s.values[OffsiteKeyName]
	return v, ok && v != ""
}

// Broker supplies the borg passphrase to child invocations through a
// short-lived owner-only temp file, pointed at via BORG_PASSCOMMAND. The
// passphrase never appears in argv or in this process's exported environment.
type Broker struct {
	Log     zerolog.Logger
	TempDir string // defaults to the first usable trusted temp dir
}

// WithPassphrase runs fn with env entries granting one borg invocation access
// to the passphrase, then erases the conduit file. A conduit that survives
// erasure is a secret-exposure risk and reported as a fatal error regardless
// of fn's outcome.
func (b *Broker) WithPassphrase(passphrase string, fn func(env []string) error) error {
	dir, err := b.tempDir()
	if err != nil {
		return err
	}
	file, err := os.CreateTemp(dir, "hostbak-pass-*")
	if err != nil {
		return fmt.Errorf("create passphrase file: %w", err)
	}
	path := file.Name()
	if err := file.Chmod(0o600); err != nil {
		file.Close()
		_ = os.Remove(path)
		return fmt.Errorf("restrict passphrase file: %w", err)
	}
	if _, err := file.WriteString(passphrase); err != nil {
		file.Close()
		b.erase(path, len(passphrase))
		return fmt.Errorf("write passphrase file: %w", err)
	}
	if err := file.Close(); err != nil {
		b.erase(path, len(passphrase))
		return fmt.Errorf("close passphrase file: %w", err)
	}

	fnErr := fn([]string{"BORG_PASSCOMMAND=cat " + path})

	b.erase(path, len(passphrase))
	if _, statErr := os.Lstat(path); statErr == nil {
		return fmt.Errorf("passphrase file %s still exists after erasure", path)
	} else if !os.IsNotExist(statErr) {
		return fmt.Errorf("verify passphrase erasure: %w", statErr)
	}
	return fnErr
}

// erase overwrites the file with random bytes before unlinking. When the
// overwrite fails the file is unlinked anyway and a warning logged.
func (b *Broker) erase(path string, size int) {
	if err := overwrite(path, size); err != nil {
		b.Log.Warn().Err(err).Str("path", path).Msg("secure overwrite failed, falling back to plain unlink")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		b.Log.Error().Err(err).Str("path", path).Msg("failed to unlink passphrase file")
	}
}

func overwrite(path string, size int) error {
	if size <= 0 {
		size = 64
	}
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer file.Close()
	junk := make([]byte, size)
	if _, err := rand.Read(junk); err != nil {
		return err
	}
	if _, err := file.WriteAt(junk, 0); err != nil {
		return err
	}
	return file.Sync()
}

func (b *Broker) tempDir() (string, error) {
	if b.TempDir != "" {
		if !trustedTemp(b.TempDir) {
			return "", fmt.Errorf("temp dir %s is not a trusted secret location", b.TempDir)
		}
		return b.TempDir, nil
	}
	for _, dir := range trustedTempDirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("no trusted temp directory available (tried %s)", strings.Join(trustedTempDirs, ", "))
}

func trustedTemp(dir string) bool {
	clean := filepath.Clean(dir)
	for _, trusted := range trustedTempDirs {
		if clean == trusted || strings.HasPrefix(clean, trusted+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
