// Description: sftpclient package
// SFTP implementation of remote.Client, on top of github.com/pkg/sftp and golang.org/x/crypto/ssh

package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/telebroad/ftpweb/remote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client is one SFTP session on its own SSH connection
type Client struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
	logger     *slog.Logger
}

var _ remote.Client = (*Client)(nil)

// wrap adds the operation to err and marks a dropped connection
func wrap(op, p string, err error) error {
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return fmt.Errorf("%s %s: %w: %w", op, p, remote.ErrConnectionLost, err)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

func (c *Client) List(p string) ([]remote.Entry, error) {
	files, err := c.sftpClient.ReadDir(p)
	if err != nil {
		return nil, wrap("list", p, err)
	}
	entries := make([]remote.Entry, 0, len(files))
	for _, f := range files {
		if f.Name() == "." || f.Name() == ".." {
			continue
		}
		entries = append(entries, toEntry(f))
	}
	return entries, nil
}

func toEntry(f os.FileInfo) remote.Entry {
	entry := remote.Entry{
		Name:        f.Name(),
		Type:        remote.EntryTypeFile,
		Size:        f.Size(),
		ModifiedAt:  f.ModTime(),
		Permissions: f.Mode().String(),
	}
	if f.IsDir() {
		entry.Type = remote.EntryTypeDirectory
		entry.Size = 0
	}
	return entry
}

func (c *Client) Retrieve(p string) (io.ReadCloser, error) {
	f, err := c.sftpClient.Open(p)
	if err != nil {
		return nil, wrap("retrieve", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, wrap("retrieve", p, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("retrieve %s: is a directory", p)
	}
	return f, nil
}

func (c *Client) Store(p string, r io.Reader) error {
	f, err := c.sftpClient.Create(p)
	if err != nil {
		return wrap("store", p, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return wrap("store", p, err)
	}
	if err := f.Close(); err != nil {
		return wrap("store", p, err)
	}
	return nil
}

func (c *Client) MakeDirAll(p string) error {
	if err := c.sftpClient.MkdirAll(p); err != nil {
		return wrap("mkdir", p, err)
	}
	return nil
}

func (c *Client) Remove(p string) error {
	info, err := c.sftpClient.Stat(p)
	if err != nil {
		return wrap("delete", p, err)
	}
	if info.IsDir() {
		return fmt.Errorf("delete %s: is a directory", p)
	}
	if err := c.sftpClient.Remove(p); err != nil {
		return wrap("delete", p, err)
	}
	return nil
}

// RemoveDir deletes the directory depth first.
// Symbolic links are removed, never followed.
func (c *Client) RemoveDir(p string) error {
	files, err := c.sftpClient.ReadDir(p)
	if err != nil {
		return wrap("rmdir", p, err)
	}
	for _, f := range files {
		if f.Name() == "." || f.Name() == ".." {
			continue
		}
		child := path.Join(p, f.Name())
		if f.IsDir() {
			if err := c.RemoveDir(child); err != nil {
				return err
			}
			continue
		}
		if err := c.sftpClient.Remove(child); err != nil {
			return wrap("delete", child, err)
		}
	}
	if err := c.sftpClient.RemoveDirectory(p); err != nil {
		return wrap("rmdir", p, err)
	}
	return nil
}

func (c *Client) Rename(from, to string) error {
	if err := c.sftpClient.Rename(from, to); err != nil {
		return wrap("rename", from+" to "+to, err)
	}
	return nil
}

// Alive asks the server for the working directory
func (c *Client) Alive() error {
	if _, err := c.sftpClient.Getwd(); err != nil {
		return wrap("getwd", ".", err)
	}
	return nil
}

func (c *Client) Close() error {
	sftpErr := c.sftpClient.Close()
	sshErr := c.sshClient.Close()
	if sshErr != nil && !errors.Is(sshErr, net.ErrClosed) {
		return fmt.Errorf("close ssh: %w", sshErr)
	}
	if sftpErr != nil && !remote.IsConnectionLost(sftpErr) {
		return fmt.Errorf("close sftp: %w", sftpErr)
	}
	return nil
}

// Dialer opens SSH connections and starts the sftp subsystem on them
type Dialer struct {
	// Timeout bounds the TCP dial and the SSH handshake
	Timeout time.Duration
	// KnownHostsFile enables host key checking, every host key is accepted when empty
	KnownHostsFile string
	Logger         *slog.Logger
}

var _ remote.Dialer = (*Dialer)(nil)

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(d.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("error loading known_hosts: %w", err)
	}
	return callback, nil
}

func (d *Dialer) Dial(ctx context.Context, endpoint remote.Endpoint, creds remote.Credentials) (remote.Client, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "sftpclient", "endpoint", endpoint.String())

	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	password := creds.Password
	config := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.Timeout,
	}

	addr := endpoint.Addr()
	netDialer := &net.Dialer{Timeout: d.Timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// the handshake does not take a context, bound it with a deadline instead
	deadline, ok := ctx.Deadline()
	if d.Timeout > 0 && (!ok || time.Until(deadline) > d.Timeout) {
		deadline, ok = time.Now().Add(d.Timeout), true
	}
	if ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	logger.Debug("Connected", "user", creds.Username)
	return &Client{sshClient: sshClient, sftpClient: sftpClient, logger: logger}, nil
}
