package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, network, addr)
}

// Client describes how to reach one host. It holds no connection; call Dial
// for that.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Dialer     Dialer
}

// Result is the captured output of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError is returned when a remote command exits non-zero.
type CommandError struct {
	Command string
	Result  Result
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	return fmt.Sprintf("command %q exited %d: %s", e.Command, e.Result.ExitCode, msg)
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: known hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection. The handshake is bounded by both ctx and
// c.Timeout. The caller is responsible for closing the returned Conn.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	d := c.Dialer
	if d == nil {
		d = NetDialer{Timeout: c.Timeout}
	}
	netConn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.Addr, err)
	}

	deadline, ok := ctx.Deadline()
	if c.Timeout > 0 {
		if t := time.Now().Add(c.Timeout); !ok || t.Before(deadline) {
			deadline, ok = t, true
		}
	}
	if ok {
		_ = netConn.SetDeadline(deadline)
	}
	type res struct {
		conn  xssh.Conn
		chans <-chan xssh.NewChannel
		reqs  <-chan *xssh.Request
		err   error
	}
	ch := make(chan res, 1)
	go func() {
		sc, chans, reqs, err := xssh.NewClientConn(netConn, c.Addr, cfg)
		ch <- res{conn: sc, chans: chans, reqs: reqs, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = netConn.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			_ = netConn.Close()
			return nil, fmt.Errorf("ssh handshake %s: %w", c.Addr, r.err)
		}
		_ = netConn.SetDeadline(time.Time{})
		return &Conn{client: xssh.NewClient(r.conn, r.chans, r.reqs), addr: c.Addr}, nil
	}
}

// RunCommand dials, executes a single command and closes the connection.
func (c *Client) RunCommand(ctx context.Context, command string) (string, string, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return "", "", err
	}
	defer conn.Close()
	res, err := conn.Run(ctx, command)
	return res.Stdout, res.Stderr, err
}

// Conn is an established SSH connection. Each Run opens its own session.
type Conn struct {
	client *xssh.Client
	addr   string
}

func (c *Conn) Addr() string { return c.addr }

// SSH exposes the underlying client for SFTP and socket forwarding.
func (c *Conn) SSH() *xssh.Client { return c.client }

// Run executes command in a new session. A non-zero exit status is reported
// as *CommandError with the captured output. Cancelling ctx kills the session
// and discards any partial output.
func (c *Conn) Run(ctx context.Context, command string) (Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		_ = session.Close()
		// the output copiers are done only once Run returns
		<-done
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *xssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, &CommandError{Command: command, Result: res}
		}
		return res, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

// DialUnix opens a stream to a unix socket on the remote host, e.g. the
// Docker daemon socket.
func (c *Conn) DialUnix(ctx context.Context, path string) (net.Conn, error) {
	conn, err := c.client.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial remote socket %s: %w", path, err)
	}
	return conn, nil
}

func (c *Conn) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
