package guard

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePath(t *testing.T) {
	if err := ValidatePath("", true); err == nil {
		t.Fatal("expected error for empty path")
	}
	if err := ValidatePath("relative/path", true); err == nil {
		t.Fatal("expected error for relative path")
	}
	if err := ValidatePath("/var/backups", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidatePath("relative/ok", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateContainmentTraversal(t *testing.T) {
	base := t.TempDir()
	if _, err := ValidateContainment(filepath.Join(base, "x", "..", "..", "etc"), base); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestValidateContainmentDescendant(t *testing.T) {
	base := t.TempDir()
	candidate := filepath.Join(base, "sub", "file")
	resolved, err := ValidateContainment(candidate, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// base may itself contain symlinks (macOS /tmp), compare resolved forms.
	resolvedBase, _ := filepath.EvalSymlinks(base)
	want := filepath.Join(resolvedBase, "sub", "file")
	if resolved != want {
		t.Fatalf("resolved = %s, want %s", resolved, want)
	}
}

func TestValidateContainmentSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(base, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := ValidateContainment(filepath.Join(link, "file"), base); err == nil {
		t.Fatal("expected symlink escape to be rejected")
	}
}

func TestValidateContainmentEqualToBase(t *testing.T) {
	base := t.TempDir()
	if _, err := ValidateContainment(base, base); err != nil {
		t.Fatalf("base itself should be contained: %v", err)
	}
}

func TestValidateSecretsFilePermissions(t *testing.T) {
	if os.Geteuid() == 0 {
		dir := t.TempDir()
		path := filepath.Join(dir, "secrets.env")
		if err := os.WriteFile(path, []byte("BORG_PASSPHRASE=x\n"), 0o640); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := ValidateSecretsFile(path); err == nil {
			t.Fatal("expected group-readable secrets file to be rejected")
		}
		if err := os.Chmod(path, 0o600); err != nil {
			t.Fatalf("chmod: %v", err)
		}
		if err := ValidateSecretsFile(path); err != nil {
			t.Fatalf("unexpected error for 0600 root-owned file: %v", err)
		}
		return
	}

	// Unprivileged run: the ownership check fires before we get to exercise
	// the happy path, but permission violations must still be reported.
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.env")
	if err := os.WriteFile(path, []byte("BORG_PASSPHRASE=x\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ValidateSecretsFile(path); err == nil {
		t.Fatal("expected non-root-owned secrets file to be rejected")
	}
}

func TestValidateSecretsFileMissing(t *testing.T) {
	if err := ValidateSecretsFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
