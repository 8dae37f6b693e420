// Description: users package
// Accounts accepted by the local backend. Each user may be jailed in a home directory below the served root.

package users

import (
	"crypto/subtle"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password
var ErrInvalidCredentials = errors.New("invalid username or password")

type User struct {
	Username string
	Password string
	// Home is the user directory relative to the served root, "/" when empty
	Home string
}

// HomeDir returns the cleaned home directory, always starting with "/"
func (u *User) HomeDir() string {
	return path.Clean("/" + strings.TrimLeft(u.Home, "/"))
}

type Users interface {
	List() ([]string, error)
	// Find returns the user when the password matches
	Find(username, password string) (*User, error)
}

var _ Users = &LocalUsers{}

type LocalUsers struct {
	users map[string]*User
	wg    sync.RWMutex
}

func NewLocalUsers() *LocalUsers {
	return &LocalUsers{
		users: make(map[string]*User),
	}
}

// List returns the usernames in sorted order
func (u *LocalUsers) List() ([]string, error) {
	u.wg.RLock()
	defer u.wg.RUnlock()
	names := make([]string, 0, len(u.users))
	for name := range u.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (u *LocalUsers) Find(username, password string) (*User, error) {
	u.wg.RLock()
	user, ok := u.users[username]
	u.wg.RUnlock()
	if !ok {
		// compare anyway so a missing user takes as long as a wrong password
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Add adds or replaces the user
func (u *LocalUsers) Add(username, password, home string) *User {
	u.wg.Lock()
	defer u.wg.Unlock()

	newUser := &User{
		Username: username,
		Password: password,
		Home:     home,
	}
	u.users[newUser.Username] = newUser
	return newUser
}

func (u *LocalUsers) Remove(username string) *User {
	u.wg.Lock()
	defer u.wg.Unlock()
	oldUser := u.users[username]
	delete(u.users, username)
	return oldUser
}

// Len returns the number of users
func (u *LocalUsers) Len() int {
	u.wg.RLock()
	defer u.wg.RUnlock()
	return len(u.users)
}
