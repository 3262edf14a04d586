// Package auth verifies credentials for the SMTP AUTH extension.
//
// The listener checks credentials through the Authenticator interface, keeping
// it independent of how users are stored. The file-backed implementation reads
// an htpasswd-style file with bcrypt hashes.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/draymta/dray/mlog"
)

// ErrCredentials is returned for unknown users and bad passwords.
var ErrCredentials = errors.New("bad credentials")

// Authenticator verifies a username/password pair, e.g. for SASL PLAIN or
// LOGIN. Implementations must be safe for concurrent use.
type Authenticator interface {
	// Verify returns nil for valid credentials, ErrCredentials for unknown
	// users or bad passwords, and other errors for operational problems.
	Verify(log mlog.Log, username, password string) error
}

// We keep a cache of recent successful authentications, so we don't have to
// bcrypt successful calls each time.
var authCache = struct {
	sync.Mutex
	success map[authKey]string
}{
	success: map[authKey]string{},
}

type authKey struct {
	username, hash string
}

// StartAuthCache starts a goroutine that regularly clears the auth cache.
func StartAuthCache() {
	go manageAuthCache()
}

func manageAuthCache() {
	for {
		authCache.Lock()
		authCache.success = map[authKey]string{}
		authCache.Unlock()
		time.Sleep(15 * time.Minute)
	}
}

// File is an Authenticator reading credentials from a file with lines of the
// form "username:bcrypt-hash". Blank lines and lines starting with "#" are
// ignored. The file is read on each verification, so changes take effect
// without a restart.
type File struct {
	path string
}

// NewFile returns an Authenticator for the credentials file at path.
func NewFile(path string) *File {
	return &File{path}
}

// Verify implements Authenticator.
func (f *File) Verify(log mlog.Log, username, password string) error {
	// Passwords are normalized with the PRECIS OpaqueString profile, RFC 8265.
	password, err := precis.OpaqueString.String(password)
	if err != nil {
		return fmt.Errorf("%w: password not allowed", ErrCredentials)
	}

	hash, err := f.lookup(username)
	if err != nil {
		return err
	}
	if hash == "" {
		return ErrCredentials
	}

	authCache.Lock()
	ok := len(password) >= 8 && authCache.success[authKey{username, hash}] == password
	authCache.Unlock()
	if ok {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrCredentials
	}
	authCache.Lock()
	authCache.success[authKey{username, hash}] = password
	authCache.Unlock()
	return nil
}

func (f *File) lookup(username string) (hash string, rerr error) {
	buf, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("reading auth file: %v", err)
	}
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t := strings.SplitN(line, ":", 2)
		if len(t) != 2 {
			continue
		}
		if t[0] == username {
			return t[1], nil
		}
	}
	return "", nil
}
