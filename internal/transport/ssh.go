package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	dialTimeout  = 10 * time.Second
	maxLineBytes = 1024 * 1024
)

// Compile-time interface satisfaction check.
var _ Session = (*sshSession)(nil)

// sshSession implements Session over one SSH connection. Commands run on
// fresh channels; file transfer uses a single SFTP subsystem.
type sshSession struct {
	client *ssh.Client
	files  *sftp.Client
}

// DialSSH opens an SSH session to addr authenticated with the private key
// from creds. Host keys are not verified: the target was provisioned
// moments ago and its key is unknowable in advance.
func DialSSH(ctx context.Context, addr string, creds Credentials) (Session, error) {
	key, err := os.ReadFile(creds.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Bound the handshake too; the dialer timeout covers only the TCP phase.
	handshakeDeadline := time.Now().Add(dialTimeout)
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(handshakeDeadline) {
		handshakeDeadline = deadline
	}
	if err := conn.SetDeadline(handshakeDeadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	files, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open sftp: %w", err)
	}

	return &sshSession{client: client, files: files}, nil
}

// Run executes a command on a fresh channel, streaming merged stdout and
// stderr lines to out. Cancelling the context kills the remote command.
func (s *sshSession) Run(ctx context.Context, command string, out LineWriter) (int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("open command channel: %w", err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Start(command); err != nil {
		return 0, fmt.Errorf("start command: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.Signal(ssh.SIGKILL)
			sess.Close()
		case <-done:
		}
	}()

	if err := streamLines([]io.Reader{stdout, stderr}, out); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		return 0, fmt.Errorf("read command output: %w", err)
	}

	if err := sess.Wait(); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		if ctx.Err() != nil {
			return 0, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		return 0, fmt.Errorf("wait for command: %w", err)
	}
	return 0, nil
}

// streamLines merges the readers into one line sequence, so out sees a single
// goroutine's calls. It returns the first scan failure instead of dropping
// the remainder of the stream; a line longer than maxLineBytes surfaces as
// bufio.ErrTooLong.
func streamLines(readers []io.Reader, out LineWriter) error {
	lines := make(chan string, 64)
	errs := make(chan error, len(readers))
	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				errs <- err
			}
		}()
	}
	go func() {
		wg.Wait()
		close(lines)
		close(errs)
	}()

	for line := range lines {
		if out != nil {
			out(line)
		}
	}
	return <-errs
}

// Upload copies a local file or directory tree to the remote path.
func (s *sshSession) Upload(ctx context.Context, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if !info.IsDir() {
		return s.uploadFile(ctx, localPath, remotePath, info.Mode())
	}

	return filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))
		if d.IsDir() {
			if err := s.files.MkdirAll(target); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return s.uploadFile(ctx, p, target, fi.Mode())
	})
}

func (s *sshSession) uploadFile(ctx context.Context, localPath, remotePath string, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := s.files.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	dst, err := s.files.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return fmt.Errorf("copy to %s: %w", remotePath, err)
	}
	bytesUploaded.Add(float64(n))
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remotePath, err)
	}
	if err := s.files.Chmod(remotePath, mode.Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", remotePath, err)
	}
	return nil
}

// Download copies a remote file to the local path.
func (s *sshSession) Download(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.files.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(localPath), err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return fmt.Errorf("copy from %s: %w", remotePath, err)
	}
	bytesDownloaded.Add(float64(n))
	return dst.Close()
}

// ReadFile returns the contents of a remote file.
func (s *sshSession) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.files.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open remote %s: %w", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read remote %s: %w", p, err)
	}
	bytesDownloaded.Add(float64(len(data)))
	return data, nil
}

// WriteFile writes data to a remote file, creating parent directories.
func (s *sshSession) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := s.files.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := s.files.Create(p)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write remote %s: %w", p, err)
	}
	bytesUploaded.Add(float64(len(data)))
	return f.Close()
}

// Glob expands a remote glob pattern.
func (s *sshSession) Glob(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches, err := s.files.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	return matches, nil
}

// Close closes the SFTP subsystem and the SSH connection.
func (s *sshSession) Close() error {
	return errors.Join(s.files.Close(), s.client.Close())
}
