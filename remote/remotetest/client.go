package remotetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telebroad/ftpweb/remote"
)

// operation names recorded by Client
const (
	OpList       = "List"
	OpRetrieve   = "Retrieve"
	OpStore      = "Store"
	OpMakeDirAll = "MakeDirAll"
	OpRemove     = "Remove"
	OpRemoveDir  = "RemoveDir"
	OpRename     = "Rename"
	OpAlive      = "Alive"
	OpClose      = "Close"
)

// ErrClosed is returned by every operation on a closed Client
var ErrClosed = fmt.Errorf("remotetest: %w", remote.ErrConnectionLost)

// Call is one recorded operation
type Call struct {
	Op   string
	Args []string
}

// Client is a recording remote.Client backed by an FS.
// It notices when two operations overlap, which a caller serializing access must never allow.
type Client struct {
	fs *FS

	lock   sync.Mutex
	calls  []Call
	fail   map[string]error
	delay  time.Duration
	closed bool

	inFlight   atomic.Int32
	overlaps   atomic.Int32
	closeCount atomic.Int32
}

var _ remote.Client = (*Client)(nil)

func NewClient(fs *FS) *Client {
	return &Client{
		fs:   fs,
		fail: make(map[string]error),
	}
}

// FailOn makes every following call of op return err, a nil err clears it
func (c *Client) FailOn(op string, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err == nil {
		delete(c.fail, op)
		return
	}
	c.fail[op] = err
}

// SetDelay makes every operation take at least d
func (c *Client) SetDelay(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.delay = d
}

// Calls returns the recorded operations in order
func (c *Client) Calls() []Call {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]Call(nil), c.calls...)
}

// Ops returns only the names of the recorded operations
func (c *Client) Ops() []string {
	calls := c.Calls()
	ops := make([]string, len(calls))
	for i, call := range calls {
		ops[i] = call.Op
	}
	return ops
}

// Overlaps returns how many times an operation started while another one was running
func (c *Client) Overlaps() int {
	return int(c.overlaps.Load())
}

// CloseCount returns how many times Close was called
func (c *Client) CloseCount() int {
	return int(c.closeCount.Load())
}

// Closed reports whether Close was called
func (c *Client) Closed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// enter records the call and returns the injected failure if any.
// Callers must call exit once the operation is over.
func (c *Client) enter(op string, args ...string) error {
	if c.inFlight.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	c.lock.Lock()
	c.calls = append(c.calls, Call{Op: op, Args: args})
	delay := c.delay
	err := c.fail[op]
	closed := c.closed
	c.lock.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if closed && op != OpClose {
		return ErrClosed
	}
	return err
}

func (c *Client) exit() {
	c.inFlight.Add(-1)
}

func (c *Client) List(p string) ([]remote.Entry, error) {
	defer c.exit()
	if err := c.enter(OpList, p); err != nil {
		return nil, err
	}
	return c.fs.list(p)
}

func (c *Client) Retrieve(p string) (io.ReadCloser, error) {
	if err := c.enter(OpRetrieve, p); err != nil {
		c.exit()
		return nil, err
	}
	data, err := c.fs.read(p)
	if err != nil {
		c.exit()
		return nil, err
	}
	// the transfer stays in flight until the reader is closed
	return &reader{Reader: bytes.NewReader(data), done: c.exit}, nil
}

func (c *Client) Store(p string, r io.Reader) error {
	defer c.exit()
	if err := c.enter(OpStore, p); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return c.fs.store(p, data)
}

func (c *Client) MakeDirAll(p string) error {
	defer c.exit()
	if err := c.enter(OpMakeDirAll, p); err != nil {
		return err
	}
	return c.fs.makeDirAll(p)
}

func (c *Client) Remove(p string) error {
	defer c.exit()
	if err := c.enter(OpRemove, p); err != nil {
		return err
	}
	return c.fs.remove(p)
}

func (c *Client) RemoveDir(p string) error {
	defer c.exit()
	if err := c.enter(OpRemoveDir, p); err != nil {
		return err
	}
	return c.fs.removeDir(p)
}

func (c *Client) Rename(from, to string) error {
	defer c.exit()
	if err := c.enter(OpRename, from, to); err != nil {
		return err
	}
	return c.fs.rename(from, to)
}

func (c *Client) Alive() error {
	defer c.exit()
	return c.enter(OpAlive)
}

func (c *Client) Close() error {
	defer c.exit()
	c.closeCount.Add(1)
	err := c.enter(OpClose)
	c.lock.Lock()
	c.closed = true
	c.lock.Unlock()
	return err
}

type reader struct {
	*bytes.Reader
	once sync.Once
	done func()
}

func (r *reader) Close() error {
	r.once.Do(r.done)
	return nil
}

// Dialer hands out Clients sharing one FS
type Dialer struct {
	FS *FS

	lock    sync.Mutex
	clients []*Client
	fail    error
	delay   time.Duration
	setup   func(*Client)
}

var _ remote.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{FS: NewFS()}
}

// FailWith makes every following Dial return err, a nil err clears it
func (d *Dialer) FailWith(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.fail = err
}

// SetDelay makes Dial take d, or less when ctx is done first
func (d *Dialer) SetDelay(delay time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.delay = delay
}

// OnDial runs fn on every new client before it is returned
func (d *Dialer) OnDial(fn func(*Client)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.setup = fn
}

// Clients returns every client dialed so far
func (d *Dialer) Clients() []*Client {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]*Client(nil), d.clients...)
}

// Last returns the most recently dialed client, nil if none
func (d *Dialer) Last() *Client {
	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

func (d *Dialer) Dial(ctx context.Context, endpoint remote.Endpoint, creds remote.Credentials) (remote.Client, error) {
	d.lock.Lock()
	delay, fail, setup := d.delay, d.fail, d.setup
	d.lock.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if fail != nil {
		return nil, fail
	}
	if endpoint.Host == "" || creds.Username == "" {
		return nil, errors.New("remotetest: missing host or username")
	}

	c := NewClient(d.FS)
	if setup != nil {
		setup(c)
	}
	d.lock.Lock()
	d.clients = append(d.clients, c)
	d.lock.Unlock()
	return c, nil
}
