package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// ErrSizeMismatch is returned when the remote copy differs in size from
// the local file.
var ErrSizeMismatch = errors.New("remote size does not match local size")

// TransportError reports a failed publication step.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Session is an open SFTP session and the function that releases it.
type Session struct {
	Client *sftp.Client
	Close  func() error
}

// Opener opens an SFTP session.
type Opener func(ctx context.Context) (*Session, error)

// Uploaded describes one published file.
type Uploaded struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
	Size   int64  `json:"size"`
}

// Publisher uploads files into a remote directory.
type Publisher struct {
	open      Opener
	remoteDir string
	logger    zerolog.Logger
}

// New creates a publisher that connects over SSH using cfg.
func New(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publish configuration: %w", err)
	}
	return NewWithOpener(dialer(cfg), cfg.RemoteDir, logger), nil
}

// NewWithOpener creates a publisher over an arbitrary session source.
func NewWithOpener(open Opener, remoteDir string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		open:      open,
		remoteDir: remoteDir,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// dialer connects to the SSH server and starts the SFTP subsystem.
func dialer(cfg Config) Opener {
	return func(ctx context.Context) (*Session, error) {
		clientConfig, err := cfg.BuildSSHClientConfig()
		if err != nil {
			return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
		}

		d := net.Dialer{Timeout: cfg.Timeout}
		conn, err := d.DialContext(ctx, "tcp", cfg.Address())
		if err != nil {
			return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
		}

		c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address(), clientConfig)
		if err != nil {
			_ = conn.Close()
			return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true}
		}
		sshClient := ssh.NewClient(c, chans, reqs)

		sftpClient, err := sftp.NewClient(sshClient)
		if err != nil {
			_ = sshClient.Close()
			return nil, &TransportError{
				Op:          "sftp-init",
				Err:         fmt.Errorf("failed to create SFTP client: %w", err),
				IsTemporary: true,
			}
		}

		return &Session{
			Client: sftpClient,
			Close: func() error {
				return errors.Join(sftpClient.Close(), sshClient.Close())
			},
		}, nil
	}
}

// Publish uploads each file, in order, into the remote directory under its
// base name. Every file is written to a temporary name, checked for size
// and then renamed over the target. Publication stops at the first failure.
func (p *Publisher) Publish(ctx context.Context, files ...string) ([]Uploaded, error) {
	session, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			p.logger.Warn().Err(cerr).Msg("Failed to close SFTP session")
		}
	}()

	if err := session.Client.MkdirAll(p.remoteDir); err != nil {
		return nil, &TransportError{Op: "mkdir", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	uploaded := make([]Uploaded, 0, len(files))
	for _, local := range files {
		u, err := p.upload(ctx, session.Client, local)
		if err != nil {
			return uploaded, err
		}
		uploaded = append(uploaded, u)
	}
	return uploaded, nil
}

func (p *Publisher) upload(ctx context.Context, client *sftp.Client, localPath string) (Uploaded, error) {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return Uploaded{}, &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	info, err := localFile.Stat()
	if err != nil {
		return Uploaded{}, &TransportError{Op: "upload", Err: fmt.Errorf("failed to stat local file: %w", err)}
	}

	remotePath := path.Join(p.remoteDir, filepath.Base(localPath))
	tempPath := remotePath + ".uploading-" + uuid.NewString()

	remoteFile, err := client.Create(tempPath)
	if err != nil {
		return Uploaded{}, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if cerr := remoteFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = client.Remove(tempPath)
		return Uploaded{}, &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	remoteInfo, err := client.Stat(tempPath)
	if err != nil {
		_ = client.Remove(tempPath)
		return Uploaded{}, &TransportError{Op: "verify", Err: err}
	}
	if remoteInfo.Size() != info.Size() {
		_ = client.Remove(tempPath)
		return Uploaded{}, &TransportError{
			Op:  "verify",
			Err: fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, remotePath, remoteInfo.Size(), info.Size()),
		}
	}

	if err := rename(client, tempPath, remotePath); err != nil {
		_ = client.Remove(tempPath)
		return Uploaded{}, &TransportError{Op: "rename", Err: err}
	}

	p.logger.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("File published")

	return Uploaded{Local: localPath, Remote: remotePath, Size: info.Size()}, nil
}

// rename replaces newPath with oldPath. Servers without the posix-rename
// extension get a remove followed by a plain rename.
func rename(client *sftp.Client, oldPath, newPath string) error {
	if err := client.PosixRename(oldPath, newPath); err == nil {
		return nil
	}
	if err := client.Remove(newPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to replace %s: %w", newPath, err)
	}
	return client.Rename(oldPath, newPath)
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
