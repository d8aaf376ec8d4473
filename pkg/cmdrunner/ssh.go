package cmdrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/clusterforge/converge/shared"
)

const dialTimeout = 15 * time.Second

type sshConn struct {
	sync.Mutex
	connClient map[string]*ssh.Client
}

var connPool = sshConn{connClient: make(map[string]*ssh.Client)}

// SSHConfig identifies one remote target and how to authenticate.
type SSHConfig struct {
	Host    string
	Port    int
	User    string
	KeyPath string
}

func (c SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}

	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSHRunner executes commands on one remote node. Connections are
// pooled per address and redialed when they go stale, so a fleet run
// reuses one client per node across all its steps.
type SSHRunner struct {
	cfg SSHConfig
}

func NewSSH(cfg SSHConfig) *SSHRunner {
	return &SSHRunner{cfg: cfg}
}

func (r *SSHRunner) Host() string {
	return r.cfg.Host
}

func (r *SSHRunner) Run(ctx context.Context, cmd string) (Result, error) {
	if cmd == "" {
		return Result{}, ErrEmptyCommand
	}

	shared.LogLevel("debug", "running on node %s: %s", r.cfg.Host, Redact(cmd))

	conn, err := r.getOrDial()
	if err != nil {
		return Result{Cmd: cmd}, err
	}

	stdout, stderr, err := runSSHCommand(ctx, cmd, conn)
	res := Result{
		Cmd:    cmd,
		Stdout: stdout,
		Stderr: stderr,
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()

			return res, &ExitError{Cmd: cmd, Code: res.ExitCode, Stderr: res.Stderr}
		}

		var missingErr *ssh.ExitMissingError
		if errors.As(err, &missingErr) {
			return res, &DialError{Host: r.cfg.Host, Err: err}
		}

		return res, err
	}

	return res, nil
}

// Close drops the pooled connection for this runner's target.
func (r *SSHRunner) Close() error {
	addr := r.cfg.addr()

	connPool.Lock()
	defer connPool.Unlock()

	conn := connPool.connClient[addr]
	if conn == nil {
		return nil
	}
	delete(connPool.connClient, addr)

	return conn.Close()
}

// getOrDial returns a pooled connection for the target, validating it
// with a no-op command and redialing when it has gone stale.
func (r *SSHRunner) getOrDial() (*ssh.Client, error) {
	addr := r.cfg.addr()

	connPool.Lock()
	conn := connPool.connClient[addr]
	connPool.Unlock()

	if conn != nil {
		_, _, err := runSSHCommand(context.Background(), "true", conn)
		if err == nil {
			return conn, nil
		}
		_ = conn.Close()
		connPool.Lock()
		delete(connPool.connClient, addr)
		connPool.Unlock()
	}

	newConn, err := r.dial()
	if err != nil {
		return nil, err
	}

	connPool.Lock()
	connPool.connClient[addr] = newConn
	connPool.Unlock()

	return newConn, nil
}

func (r *SSHRunner) dial() (*ssh.Client, error) {
	authMethod, err := publicKey(r.cfg.KeyPath)
	if err != nil {
		return nil, shared.ReturnLogError("failed to load ssh key for %s: %v", r.cfg.Host, err)
	}

	cfg := &ssh.ClientConfig{
		User: r.cfg.User,
		Auth: []ssh.AuthMethod{
			authMethod,
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	conn, err := ssh.Dial("tcp", r.cfg.addr(), cfg)
	if err != nil {
		return nil, &DialError{Host: r.cfg.Host, Err: err}
	}

	return conn, nil
}

// runSSHCommand runs cmd on an established connection. Cancelling ctx
// tears the session down, which interrupts the remote command.
func runSSHCommand(ctx context.Context, cmd string, conn *ssh.Client) (stdoutStr, stderrStr string, err error) {
	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Close()
		<-done
		err = ctx.Err()
	}

	return stdoutBuf.String(), stderrBuf.String(), err
}

func publicKey(path string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}

	return ssh.PublicKeys(signer), nil
}
