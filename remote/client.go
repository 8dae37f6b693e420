// Description: remote package
// This package defines the protocol client used to talk to a remote file server
// It contains the Client and Dialer interfaces, the endpoint and directory entry types
// and the helpers shared by the ftp, sftp and local backends

package remote

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Protocol is the wire protocol used to reach a remote endpoint
type Protocol = string

const (
	ProtocolFTP   Protocol = "ftp"   // FTP, or FTPS with explicit TLS when Secure is set
	ProtocolSFTP  Protocol = "sftp"  // SFTP over SSH
	ProtocolLocal Protocol = "local" // a local directory served as a remote, for development
)

// DefaultPort returns the well known port of the protocol, 0 if it has none
func DefaultPort(p Protocol) int {
	switch p {
	case ProtocolFTP:
		return 21
	case ProtocolSFTP:
		return 22
	}
	return 0
}

// Endpoint is where a session connects to
type Endpoint struct {
	Protocol Protocol
	Host     string
	Port     int
	Secure   bool // FTPS (explicit TLS) for the ftp protocol
}

// Addr returns the endpoint in "host:port" form, using the protocol default port when Port is 0
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort(e.Protocol)
	}
	if strings.Contains(e.Host, ":") && !strings.HasPrefix(e.Host, "[") {
		return fmt.Sprintf("[%s]:%d", e.Host, port)
	}
	return fmt.Sprintf("%s:%d", e.Host, port)
}

func (e Endpoint) String() string {
	return e.Protocol + "://" + e.Addr()
}

// Credentials are used once, while dialing, and never kept by a session
type Credentials struct {
	Username string
	Password string
}

// EntryType is the type of directory entry
type EntryType = string

const (
	EntryTypeFile      EntryType = "file"
	EntryTypeDirectory EntryType = "directory"
)

// Entry is one listed remote filesystem object
type Entry struct {
	Name        string    `json:"name"`
	Type        EntryType `json:"type"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"date,omitempty"`
	Permissions string    `json:"permissions,omitempty"`
}

// IsDir reports whether the entry is a directory
func (e Entry) IsDir() bool {
	return e.Type == EntryTypeDirectory
}

// SortEntries orders entries directories first, then by name (case-sensitive)
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name < entries[j].Name
	})
}

// Client is one authenticated control connection to a remote file server.
// A Client is not safe for concurrent use; callers serialize access.
type Client interface {
	// List returns the entries of the directory, without "." and ".."
	List(path string) ([]Entry, error)
	// Retrieve opens the file for reading. The reader must be closed before
	// any other command is issued on the client.
	Retrieve(path string) (io.ReadCloser, error)
	// Store writes r to the file, replacing it if it exists
	Store(path string, r io.Reader) error
	// MakeDirAll creates the directory and any missing parents.
	// An existing directory is not an error.
	MakeDirAll(path string) error
	// Remove removes a file
	Remove(path string) error
	// RemoveDir removes a directory and everything below it
	RemoveDir(path string) error
	// Rename renames or moves a file or directory
	Rename(from, to string) error
	// Alive probes the control connection
	Alive() error
	// Close ends the session with the server and releases the connection
	Close() error
}

// Dialer opens new clients
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint, creds Credentials) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, endpoint Endpoint, creds Credentials) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint Endpoint, creds Credentials) (Client, error) {
	return f(ctx, endpoint, creds)
}
