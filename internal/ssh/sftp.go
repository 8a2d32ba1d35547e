package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// PushFile uploads a local file to a remote path via SFTP and applies mode.
func PushFile(ctx context.Context, conn *Conn, localPath, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sf, err := sftp.NewClient(conn.SSH())
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Chmod(mode); err != nil {
		return fmt.Errorf("chmod remote: %w", err)
	}
	return nil
}

// RemoveFile deletes a remote file, ignoring a missing one.
func RemoveFile(conn *Conn, remotePath string) error {
	sf, err := sftp.NewClient(conn.SSH())
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove remote: %w", err)
	}
	return nil
}
