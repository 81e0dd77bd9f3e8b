package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch is returned when a known host presents a different key.
var ErrHostKeyMismatch = errors.New("ssh: host key mismatch")

// HostKeyCallback verifies server keys against the known_hosts file at path.
// Hosts missing from the file are trusted and appended on first use; a known
// host with a different key is rejected. An empty path disables checking.
//
// The file and its directory are created when missing.
func HostKeyCallback(path string, log zerolog.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Checking explicitly disabled.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	_ = f.Close()

	known, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}

	t := &tofu{path: path, known: known, log: log}
	return t.check, nil
}

type tofu struct {
	path string
	log  zerolog.Logger

	mu    sync.Mutex
	known ssh.HostKeyCallback
}

func (t *tofu) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.known(hostname, remote, key)

	var keyErr *knownhosts.KeyError
	switch {
	case err == nil:
		return nil
	case !errors.As(err, &keyErr):
		return err
	case len(keyErr.Want) > 0:
		return fmt.Errorf("%s: %w: %w", hostname, ErrHostKeyMismatch, err)
	}

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}

	// Reload so later connections compare against the recorded key.
	if known, err := knownhosts.New(t.path); err == nil {
		t.known = known
	}
	t.log.Info().Str("host", hostname).Str("file", t.path).Str("key", ssh.FingerprintSHA256(key)).Msg("trusting new ssh host key")
	return nil
}
