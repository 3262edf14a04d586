package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/draymta/dray/mlog"
)

func TestFileVerify(t *testing.T) {
	log := mlog.New("auth", nil)

	hash, err := bcrypt.GenerateFromPassword([]byte("test1234"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("generate bcrypt hash: %v", err)
	}
	p := filepath.Join(t.TempDir(), "authfile")
	data := "# comment\n\nsam:" + string(hash) + "\nbad line without colon is skipped\n"
	if err := os.WriteFile(p, []byte(data), 0600); err != nil {
		t.Fatalf("write auth file: %v", err)
	}

	a := NewFile(p)

	if err := a.Verify(log, "sam", "test1234"); err != nil {
		t.Fatalf("verify valid credentials: %v", err)
	}
	// Again, now served from the auth cache.
	if err := a.Verify(log, "sam", "test1234"); err != nil {
		t.Fatalf("verify valid credentials (cached): %v", err)
	}
	if err := a.Verify(log, "sam", "wrong"); !errors.Is(err, ErrCredentials) {
		t.Fatalf("got %v, expected ErrCredentials for bad password", err)
	}
	if err := a.Verify(log, "nosuchuser", "test1234"); !errors.Is(err, ErrCredentials) {
		t.Fatalf("got %v, expected ErrCredentials for unknown user", err)
	}

	a = NewFile(filepath.Join(t.TempDir(), "missing"))
	if err := a.Verify(log, "sam", "test1234"); err == nil || errors.Is(err, ErrCredentials) {
		t.Fatalf("got %v, expected i/o error for missing auth file", err)
	}
}
