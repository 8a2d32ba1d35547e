package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(""), 0600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// AppendKnownHost appends a known_hosts entry for host using the given authorized key text.
func AppendKnownHost(path, host, authorizedKey string) error {
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}
	return appendKnownHostKey(path, host, pubKey)
}

func appendKnownHostKey(path, host string, key xssh.PublicKey) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(host)}, key)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback using the given file.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}

var errKeyCaptured = errors.New("host key captured")

// TrustHost connects to addr, records the presented host key in the
// known_hosts file and returns its fingerprint. Hosts already present are
// left alone; a changed key is an error.
func TrustHost(ctx context.Context, path, addr string, d Dialer) (string, error) {
	cb, err := LoadKnownHostsCallback(path)
	if err != nil {
		return "", err
	}
	if d == nil {
		d = NetDialer{}
	}
	var (
		captured xssh.PublicKey
		known    bool
		rejected error
	)
	cfg := &xssh.ClientConfig{
		User: "hoist-keyscan",
		HostKeyCallback: func(hostname string, remote net.Addr, key xssh.PublicKey) error {
			captured = key
			var keyErr *knownhosts.KeyError
			err := cb(hostname, remote, key)
			switch {
			case err == nil:
				known = true
			case errors.As(err, &keyErr) && len(keyErr.Want) > 0:
				rejected = fmt.Errorf("host key for %s changed: %w", hostname, err)
			}
			return errKeyCaptured
		},
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	_, _, _, err = xssh.NewClientConn(conn, addr, cfg)
	if captured == nil {
		return "", fmt.Errorf("read host key from %s: %w", addr, err)
	}
	if rejected != nil {
		return "", rejected
	}
	if !known {
		if err := appendKnownHostKey(path, addr, captured); err != nil {
			return "", err
		}
	}
	return xssh.FingerprintSHA256(captured), nil
}
