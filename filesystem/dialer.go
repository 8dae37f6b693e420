package filesystem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/telebroad/ftpweb/remote"
	"github.com/telebroad/ftpweb/users"
)

// Dialer opens a LocalFS for every authenticated user, rooted at the user home below Root
type Dialer struct {
	Root   string
	Users  users.Users
	Logger *slog.Logger
}

var _ remote.Dialer = (*Dialer)(nil)

// Dial ignores the endpoint address, the host only names the session
func (d *Dialer) Dial(ctx context.Context, endpoint remote.Endpoint, creds remote.Credentials) (remote.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Users == nil {
		return nil, fmt.Errorf("local login as %q: %w", creds.Username, users.ErrInvalidCredentials)
	}
	user, err := d.Users.Find(creds.Username, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("local login as %q: %w", creds.Username, err)
	}

	root := NewLocalFS(d.Root)
	home, err := root.cleanPath(user.HomeDir())
	if err != nil {
		return nil, fmt.Errorf("home directory of %q: %w", creds.Username, err)
	}
	if err := os.MkdirAll(home, 0755); err != nil {
		return nil, fmt.Errorf("home directory of %q: %w", creds.Username, err)
	}

	fs := NewLocalFS(filepath.Clean(home))
	if err := fs.Alive(); err != nil {
		return nil, err
	}
	if d.Logger != nil {
		d.Logger.With("module", "filesystem").Debug("Local session opened", "user", creds.Username, "home", user.HomeDir())
	}
	return fs, nil
}
