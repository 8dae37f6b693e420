// Description: ftpclient package
// FTP and FTPS (explicit TLS) implementation of remote.Client, on top of github.com/jlaffaye/ftp

package ftpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/telebroad/ftpweb/remote"
)

// serverConn is the part of *ftp.ServerConn the client uses
type serverConn interface {
	List(path string) ([]*ftp.Entry, error)
	Retr(path string) (*ftp.Response, error)
	Stor(path string, r io.Reader) error
	MakeDir(path string) error
	ChangeDir(path string) error
	CurrentDir() (string, error)
	Delete(path string) error
	RemoveDirRecur(path string) error
	Rename(from, to string) error
	NoOp() error
	Quit() error
}

var _ serverConn = (*ftp.ServerConn)(nil)

// Client is one logged in FTP control connection
type Client struct {
	conn   serverConn
	logger *slog.Logger
}

var _ remote.Client = (*Client)(nil)

func (c *Client) List(p string) ([]remote.Entry, error) {
	list, err := c.conn.List(p)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	entries := make([]remote.Entry, 0, len(list))
	for _, e := range list {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, toEntry(e))
	}
	return entries, nil
}

// toEntry converts a listed entry, links are reported as files
func toEntry(e *ftp.Entry) remote.Entry {
	entry := remote.Entry{
		Name:       e.Name,
		Type:       remote.EntryTypeFile,
		Size:       int64(e.Size),
		ModifiedAt: e.Time,
	}
	if e.Type == ftp.EntryTypeFolder {
		entry.Type = remote.EntryTypeDirectory
		entry.Size = 0
	}
	return entry
}

func (c *Client) Retrieve(p string) (io.ReadCloser, error) {
	r, err := c.conn.Retr(p)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", p, err)
	}
	return r, nil
}

func (c *Client) Store(p string, r io.Reader) error {
	if err := c.conn.Stor(p, r); err != nil {
		return fmt.Errorf("store %s: %w", p, err)
	}
	return nil
}

// MakeDirAll walks the path from the root and creates every missing directory.
// The working directory is restored afterwards.
func (c *Client) MakeDirAll(p string) error {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	cwd, err := c.conn.CurrentDir()
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	defer func() {
		if err := c.conn.ChangeDir(cwd); err != nil {
			c.logger.Warn("Failed to restore working directory", "dir", cwd, "error", err)
		}
	}()

	current := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		current += "/" + part
		if err := c.conn.ChangeDir(current); err == nil {
			continue
		} else if isConnError(err) {
			return fmt.Errorf("mkdir %s: %w", current, err)
		}
		if err := c.conn.MakeDir(current); err != nil {
			return fmt.Errorf("mkdir %s: %w", current, err)
		}
	}
	return nil
}

func (c *Client) Remove(p string) error {
	if err := c.conn.Delete(p); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func (c *Client) RemoveDir(p string) error {
	if err := c.conn.RemoveDirRecur(p); err != nil {
		return fmt.Errorf("rmdir %s: %w", p, err)
	}
	return nil
}

func (c *Client) Rename(from, to string) error {
	if err := c.conn.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

func (c *Client) Alive() error {
	if err := c.conn.NoOp(); err != nil {
		return fmt.Errorf("noop: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.conn.Quit(); err != nil && !remote.IsConnectionLost(err) {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

// isConnError reports errors that are not a plain negative reply from the server
func isConnError(err error) bool {
	var protoErr *textproto.Error
	return !errors.As(err, &protoErr) || remote.IsConnectionLost(err)
}

// Dialer opens FTP control connections
type Dialer struct {
	// Timeout bounds the TCP dial and the TLS handshake
	Timeout time.Duration
	// InsecureSkipVerify accepts any server certificate for FTPS
	InsecureSkipVerify bool
	// DisableEPSV falls back to PASV for servers behind broken NAT
	DisableEPSV bool
	Logger      *slog.Logger
}

var _ remote.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, endpoint remote.Endpoint, creds remote.Credentials) (remote.Client, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "ftpclient", "endpoint", endpoint.String())

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithDisabledEPSV(d.DisableEPSV),
	}
	if d.Timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(d.Timeout))
	}
	if endpoint.Secure {
		host := strings.Trim(endpoint.Host, "[]")
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName:         host,
			InsecureSkipVerify: d.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}))
	}

	conn, err := ftp.Dial(endpoint.Addr(), opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint.Addr(), err)
	}
	if err := conn.Login(creds.Username, creds.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("login as %q: %w", creds.Username, err)
	}
	logger.Debug("Connected", "user", creds.Username, "secure", endpoint.Secure)
	return &Client{conn: conn, logger: logger}, nil
}
