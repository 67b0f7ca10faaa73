package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ethpandaops/trialctl/pkg/config"
)

const defaultDialTimeout = 10 * time.Second

// Compile-time interface check.
var _ runner = (*sshRunner)(nil)

// sshRunner executes commands on a remote host. The private key is parsed
// once and a connection is opened per command.
type sshRunner struct {
	addr            string
	user            string
	signer          ssh.Signer
	remoteShell     string
	dialTimeout     time.Duration
	hostKeyCallback ssh.HostKeyCallback
}

func newSSHRunner(cfg *config.SSHConfig) (*sshRunner, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host cannot be empty")
	}

	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user cannot be empty")
	}

	key, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh private key: %w", err)
	}

	port := cfg.Port
	if port == 0 {
		port = config.DefaultSSHPort
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}

	checkHostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	remoteShell := cfg.RemoteShell
	if remoteShell == "" {
		remoteShell = config.RemoteShellPwsh
	}

	return &sshRunner{
		addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		user:            cfg.User,
		signer:          signer,
		remoteShell:     remoteShell,
		dialTimeout:     dialTimeout,
		hostKeyCallback: checkHostKey,
	}, nil
}

// hostKeyCallback verifies the host against the known_hosts file. Skipping
// verification has to be requested explicitly.
func hostKeyCallback(cfg *config.SSHConfig) (ssh.HostKeyCallback, error) {
	switch {
	case cfg.KnownHosts != "":
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading ssh known hosts: %w", err)
		}

		return cb, nil
	case cfg.InsecureIgnoreHostKey:
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicitly enabled with insecure_ignore_host_key
	default:
		return nil, fmt.Errorf("ssh known_hosts is required unless insecure_ignore_host_key is set")
	}
}

func (r *sshRunner) Run(
	ctx context.Context, argv []string,
) ([]byte, []byte, error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("empty command")
	}

	client, err := r.dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("creating ssh session on %s: %w", r.addr, err)
	}

	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer

	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)

	go func() {
		done <- session.Run(commandLine(argv, r.remoteShell))
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = client.Close()

		return nil, nil, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.Bytes(), stderr.Bytes(), &ExitError{Code: exitErr.ExitStatus()}
			}

			return nil, nil, fmt.Errorf("running command on %s: %w", r.addr, err)
		}

		return stdout.Bytes(), stderr.Bytes(), nil
	}
}

func (r *sshRunner) dial(ctx context.Context) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: r.dialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", r.addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, r.addr, &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: r.hostKeyCallback,
		Timeout:         r.dialTimeout,
	})
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("ssh handshake with %s: %w", r.addr, err)
	}

	return ssh.NewClient(c, chans, reqs), nil
}
