package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentKeySource selects the SSH agent as key source.
const AgentKeySource = "agent"

// ErrNoAgentKeys is returned when the agent answered but holds no keys.
var ErrNoAgentKeys = errors.New("ssh agent has no keys")

// AgentAvailable reports whether SSH_AUTH_SOCK names an agent socket.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// Signers returns the keys for source: nil for "", every agent key for
// "agent", otherwise the OpenSSH private key stored at that path.
func Signers(ctx context.Context, source string) ([]ssh.Signer, error) {
	switch source {
	case "":
		return nil, nil
	case AgentKeySource:
		return agentSigners(ctx)
	default:
		s, err := privateKey(source)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{s}, nil
	}
}

func privateKey(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	s, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return s, nil
}

// agentSigners keeps the agent connection open for as long as the process
// runs; the returned signers sign through it.
func agentSigners(ctx context.Context) ([]ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("ssh agent: SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", sock)
	if err != nil {
		return nil, fmt.Errorf("ssh agent: %w", err)
	}

	signers, err := agent.NewClient(c).Signers()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ssh agent signers: %w", err)
	}
	if len(signers) == 0 {
		_ = c.Close()
		return nil, ErrNoAgentKeys
	}
	return signers, nil
}
