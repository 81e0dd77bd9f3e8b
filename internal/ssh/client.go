package ssh

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

type ClientConfig struct {
	User     string
	Password string
	Signers  []ssh.Signer

	HostKeyCallback ssh.HostKeyCallback

	// HandshakeTimeout bounds key exchange and authentication. Zero means
	// no limit.
	HandshakeTimeout time.Duration
}

// ErrNoAuthMethod is returned when neither a password nor a key is configured.
var ErrNoAuthMethod = errors.New("ssh: missing password or key")

// Validate checks that cfg can authenticate at all.
func (cfg ClientConfig) Validate() error {
	if cfg.User == "" {
		return errors.New("ssh: missing username")
	}
	if cfg.Password == "" && len(cfg.Signers) == 0 {
		return ErrNoAuthMethod
	}
	return nil
}

// authMethods offers keys before the password.
func (cfg ClientConfig) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(cfg.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(cfg.Signers...))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	return methods
}

// Handshake runs the SSH client handshake over c. addr is the server address
// used for host key verification. c is closed if the handshake fails.
func Handshake(c net.Conn, addr string, cfg ClientConfig) (*ssh.Client, error) {
	hostKeys := cfg.HostKeyCallback
	if hostKeys == nil {
		return nil, errors.New("ssh: missing host key callback")
	}

	if cfg.HandshakeTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}
	cc, chans, reqs, err := ssh.NewClientConn(c, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            cfg.authMethods(),
		HostKeyCallback: hostKeys,
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	if cfg.HandshakeTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}

	return ssh.NewClient(cc, chans, reqs), nil
}
