package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func newKey(t *testing.T) (ed25519.PrivateKey, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return priv, s
}

func testAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
}

func TestValidate(t *testing.T) {
	_, signer := newKey(t)

	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr string
	}{
		{name: "password", cfg: ClientConfig{User: "user", Password: "pass"}},
		{name: "key", cfg: ClientConfig{User: "user", Signers: []ssh.Signer{signer}}},
		{name: "missing username", cfg: ClientConfig{Password: "pass"}, wantErr: "missing username"},
		{name: "missing auth method", cfg: ClientConfig{User: "user"}, wantErr: "missing password or key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSignersFromFile(t *testing.T) {
	priv, signer := newKey(t)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	signers, err := Signers(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, signer.PublicKey().Marshal(), signers[0].PublicKey().Marshal())

	_, err = Signers(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	signers, err = Signers(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, signers)
}

func TestSignersFromAgent(t *testing.T) {
	priv, signer := newKey(t)
	keyring := agent.NewKeyring()
	require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: priv}))

	sock := filepath.Join(t.TempDir(), "agent.sock")
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = agent.ServeAgent(keyring, c)
			}()
		}
	}()

	t.Setenv("SSH_AUTH_SOCK", sock)
	require.True(t, AgentAvailable())

	signers, err := Signers(context.Background(), AgentKeySource)
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, signer.PublicKey().Marshal(), signers[0].PublicKey().Marshal())
}

func TestSignersWithoutAgent(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	assert.False(t, AgentAvailable())

	_, err := Signers(context.Background(), AgentKeySource)
	require.ErrorContains(t, err, "SSH_AUTH_SOCK")
}

func TestHostKeyCallbackDisabled(t *testing.T) {
	cb, err := HostKeyCallback("", zerolog.Nop())
	require.NoError(t, err)

	_, key := newKey(t)
	require.NoError(t, cb("example.com:22", testAddr(), key.PublicKey()))
}

func TestHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "known_hosts")
	cb, err := HostKeyCallback(path, zerolog.Nop())
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, key := newKey(t)
	require.NoError(t, cb("192.0.2.1:22", testAddr(), key.PublicKey()))
	require.NoError(t, cb("192.0.2.1:22", testAddr(), key.PublicKey()))

	data, err := os.ReadFile(path) //nolint:gosec // Test path.
	require.NoError(t, err)
	assert.Contains(t, string(data), "192.0.2.1")

	_, other := newKey(t)
	err = cb("192.0.2.1:22", testAddr(), other.PublicKey())
	require.ErrorIs(t, err, ErrHostKeyMismatch)

	// A fresh callback reads what was recorded.
	cb, err = HostKeyCallback(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, cb("192.0.2.1:22", testAddr(), key.PublicKey()))
	require.ErrorIs(t, cb("192.0.2.1:22", testAddr(), other.PublicKey()), ErrHostKeyMismatch)
}

// servePipe runs an SSH server handshake on one end of a pipe and returns the
// other end.
func servePipe(t *testing.T, user, pass string) net.Conn {
	t.Helper()

	_, hostKey := newKey(t)
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, p []byte) (*ssh.Permissions, error) {
			if meta.User() != user || string(p) != pass {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(hostKey)

	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })
	go func() {
		sc, chans, reqs, err := ssh.NewServerConn(server, cfg)
		if err != nil {
			_ = server.Close()
			return
		}
		defer sc.Close()
		go ssh.DiscardRequests(reqs)
		for nc := range chans {
			_ = nc.Reject(ssh.Prohibited, "no channels")
		}
	}()
	return client
}

func TestHandshake(t *testing.T) {
	cfg := ClientConfig{
		User:             "user",
		Password:         "pass",
		HostKeyCallback:  ssh.InsecureIgnoreHostKey(), //nolint:gosec // Test server has a random host key.
		HandshakeTimeout: 2 * time.Second,
	}

	client, err := Handshake(servePipe(t, "user", "pass"), "pipe", cfg)
	require.NoError(t, err)
	assert.Equal(t, "user", client.User())
	require.NoError(t, client.Close())

	cfg.Password = "wrong"
	c := servePipe(t, "user", "pass")
	_, err = Handshake(c, "pipe", cfg)
	require.Error(t, err)
	_, err = c.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestHandshakeTimeout(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })
	go func() { _, _ = io.Copy(io.Discard, server) }()

	start := time.Now()
	_, err := Handshake(client, "pipe", ClientConfig{
		User:             "user",
		Password:         "pass",
		HostKeyCallback:  ssh.InsecureIgnoreHostKey(), //nolint:gosec // Never reached.
		HandshakeTimeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHandshakeNeedsHostKeyCallback(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := Handshake(client, "pipe", ClientConfig{User: "user", Password: "pass"})
	require.ErrorContains(t, err, "host key callback")
}
