package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/medicore/emrctl/internal/config"
	"github.com/medicore/emrctl/internal/sshx"
)

// Replicate pushes a backup artifact to the offsite host over SFTP and
// verifies the remote copy's SHA-256 against the local file.
func Replicate(ctx context.Context, off config.Offsite, localPath string) error {
	localSum, err := fileChecksum(localPath)
	if err != nil {
		return fmt.Errorf("local checksum: %w", err)
	}

	signer, err := sshx.LoadPrivateKeySigner(off.KeyPath)
	if err != nil {
		return fmt.Errorf("load offsite key: %w", err)
	}
	kh, err := sshx.LoadKnownHostsCallback(off.KnownHosts)
	if err != nil {
		return fmt.Errorf("load known hosts: %w", err)
	}

	port := off.Port
	if port == 0 {
		port = 22
	}
	c := &sshx.Client{
		Addr:       fmt.Sprintf("%s:%d", off.Host, port),
		User:       off.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    15 * time.Second,
		Retries:    2,
		Backoff:    500 * time.Millisecond,
	}
	cli, err := sshx.Dial(ctx, c)
	if err != nil {
		return fmt.Errorf("dial offsite host: %w", err)
	}
	defer cli.Close()

	remotePath := path.Join(off.RemoteDir, filepath.Base(localPath))
	if err := sshx.PushFile(ctx, cli, localPath, remotePath); err != nil {
		return fmt.Errorf("push backup: %w", err)
	}

	// Verification runs over its own connection so a dropped session after
	// the transfer gets the retry/backoff treatment.
	out, err := c.RunCommand(ctx, fmt.Sprintf("sha256sum %s | cut -d' ' -f1", remotePath))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	remoteSum := strings.TrimSpace(out)
	if remoteSum != localSum {
		return fmt.Errorf("checksum mismatch: local %s, remote %s", localSum, remoteSum)
	}
	return nil
}

func fileChecksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
