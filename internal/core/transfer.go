package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	gssh "github.com/3cpo-dev/hoist/internal/ssh"
)

// FileTransfer uploads files to the target with checksum verification.
type FileTransfer struct {
	run    func(ctx context.Context, command string) (gssh.Result, error)
	push   func(ctx context.Context, local, remote string, mode os.FileMode) error
	remove func(remote string) error
}

// NewFileTransfer uploads over conn with SFTP.
func NewFileTransfer(conn *gssh.Conn) *FileTransfer {
	return &FileTransfer{
		run: conn.Run,
		push: func(ctx context.Context, local, remote string, mode os.FileMode) error {
			return gssh.PushFile(ctx, conn, local, remote, mode)
		},
		remove: func(remote string) error { return gssh.RemoveFile(conn, remote) },
	}
}

// TransferFile uploads localPath to remotePath and verifies the SHA-256 on
// the remote side. A mismatching upload is removed.
func (ft *FileTransfer) TransferFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	localChecksum, err := Checksum(localPath)
	if err != nil {
		return fmt.Errorf("calculate local checksum: %w", err)
	}
	if err := ft.push(ctx, localPath, remotePath, mode); err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}
	if err := ft.verifyRemoteChecksum(ctx, remotePath, localChecksum); err != nil {
		if rmErr := ft.remove(remotePath); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", remotePath).Msg("Failed to remove corrupt upload")
		}
		return fmt.Errorf("checksum verification failed: %w", err)
	}
	log.Debug().Str("local", localPath).Str("remote", remotePath).Str("sha256", localChecksum).Msg("Uploaded file")
	return nil
}

func (ft *FileTransfer) verifyRemoteChecksum(ctx context.Context, remotePath, expected string) error {
	res, err := ft.run(ctx, gssh.Command("sha256sum", remotePath))
	if err != nil {
		return fmt.Errorf("calculate remote checksum: %w", err)
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return fmt.Errorf("empty sha256sum output for %s", remotePath)
	}
	if fields[0] != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, fields[0])
	}
	return nil
}

// Checksum calculates the SHA256 checksum of a file.
func Checksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
