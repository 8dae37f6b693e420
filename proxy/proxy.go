// Description: proxy package
// The Proxy turns caller operations into calls on the remote session they name.
// It validates input, serializes access to each session, bounds every remote call with a timeout
// and returns failures as *Error so the front end never sees a raw protocol error.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/telebroad/ftpweb/metrics"
	"github.com/telebroad/ftpweb/remote"
	"github.com/telebroad/ftpweb/session"
	"github.com/telebroad/ftpweb/tools"
)

// operation names, also used as metric labels
const (
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpList       = "list"
	OpDownload   = "download"
	OpUpload     = "upload"
	OpMakeDir    = "mkdir"
	OpDelete     = "delete"
	OpRename     = "rename"
)

// Options configures a Proxy
type Options struct {
	// OperationTimeout bounds list, mkdir, delete and rename, 0 means no bound
	OperationTimeout time.Duration
	// TransferTimeout bounds uploads and downloads, 0 means no bound
	TransferTimeout time.Duration
	// StagingDir holds uploads while they are sent, empty means the system temp dir
	StagingDir string
	// MaxUploadSize bounds a staged upload, 0 means no bound
	MaxUploadSize int64
	// Protocols accepted by Connect, empty means every protocol the dialer knows
	Protocols []remote.Protocol
}

// Metrics observes proxied operations, a nil Metrics is allowed
type Metrics interface {
	ObserveOperation(operation, result string, duration time.Duration)
	AddBytes(direction string, n int64)
}

type Proxy struct {
	registry *session.Registry
	opts     Options
	validate *validator.Validate
	logger   *slog.Logger
	metrics  Metrics
}

func New(registry *session.Registry, opts Options) *Proxy {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("printable", func(fl validator.FieldLevel) bool {
		return tools.IsPrintable(fl.Field().String())
	})
	return &Proxy{
		registry: registry,
		opts:     opts,
		validate: v,
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger for the proxy.
func (p *Proxy) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	p.logger = l
}

// Logger returns the logger for the proxy.
func (p *Proxy) Logger() *slog.Logger {
	return p.logger.With("module", "proxy")
}

func (p *Proxy) SetMetrics(m Metrics) {
	p.metrics = m
}

// Sessions returns the number of live sessions
func (p *Proxy) Sessions() int {
	return p.registry.Len()
}

// HasSession reports whether the id names a live session
func (p *Proxy) HasSession(id string) bool {
	_, ok := p.registry.Get(id)
	return ok
}

// track classifies the error of a finished operation, records it and logs failures
func (p *Proxy) track(op, id string, start time.Time, err *error) {
	*err = classify(op, *err)
	result := "ok"
	if *err != nil {
		kind := KindOf(*err)
		result = string(kind)
		if kind == KindInternalError {
			p.Logger().Error("Operation failed", "op", op, "session", id, "error", *err)
		} else {
			p.Logger().Info("Operation failed", "op", op, "session", id, "kind", kind, "error", *err)
		}
	}
	if p.metrics != nil {
		p.metrics.ObserveOperation(op, result, time.Since(start))
	}
}

func (p *Proxy) addBytes(direction string, n int64) {
	if p.metrics != nil {
		p.metrics.AddBytes(direction, n)
	}
}

// operation is one exclusive use of a session client
type operation struct {
	name    string
	id      string
	timeout time.Duration
	detach  bool // keep running when the caller goes away
	do      func(ctx context.Context, c remote.Client) error
	done    func() // runs once the client was released, whatever happened
}

// execute runs op.do while holding the session.
// When the timeout expires first execute returns at once, the call keeps the session until it returns.
// A connection found dead evicts the session.
func (p *Proxy) execute(ctx context.Context, op operation) error {
	finish := func() {
		if op.done != nil {
			op.done()
		}
	}

	s, ok := p.registry.Get(op.id)
	if !ok {
		finish()
		return session.ErrNotFound
	}

	if op.detach {
		ctx = context.WithoutCancel(ctx)
	}
	if op.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, op.timeout)
		defer cancel()
	}

	client, err := s.Acquire(ctx)
	if err != nil {
		finish()
		if errors.Is(err, context.DeadlineExceeded) {
			return newError(KindProtocolTimeout, op.name, "Connection is busy with another operation", err)
		}
		return err
	}

	result := make(chan error, 1)
	go func() {
		err := op.do(ctx, client)
		if err != nil && remote.IsConnectionLost(err) {
			p.Logger().Warn("Remote connection lost", "session", op.id, "endpoint", s.Endpoint.String(), "op", op.name, "error", err)
			p.registry.Evict(op.id, session.ReasonLost)
		}
		s.Release()
		finish()
		result <- err
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		select {
		case err := <-result:
			return err
		default:
		}
		return ctx.Err()
	}
}

// ConnectRequest holds what Connect needs to open a session
type ConnectRequest struct {
	Protocol remote.Protocol `validate:"omitempty,printable"`
	Host     string          `validate:"required,printable,max=253"`
	Port     int             `validate:"omitempty,min=1,max=65535"`
	Secure   bool
	Username string `validate:"required,printable"`
	Password string `validate:"required,printable"`
}

// Connect opens a session and returns its id
func (p *Proxy) Connect(ctx context.Context, req ConnectRequest) (id string, err error) {
	defer p.track(OpConnect, "", time.Now(), &err)

	req.Host = strings.TrimSpace(req.Host)
	if req.Protocol == "" {
		req.Protocol = remote.ProtocolFTP
	}
	if err := p.validateConnect(req); err != nil {
		return "", err
	}

	s, err := p.registry.Create(ctx, remote.Endpoint{
		Protocol: req.Protocol,
		Host:     req.Host,
		Port:     req.Port,
		Secure:   req.Secure,
	}, remote.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func (p *Proxy) validateConnect(req ConnectRequest) error {
	err := p.validate.Struct(req)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Tag() == "required" {
				return newError(KindInvalidRequest, OpConnect, msgMissingConnect, err)
			}
		}
		return newError(KindInvalidRequest, OpConnect, "Invalid "+strings.ToLower(verrs[0].Field()), err)
	}
	if err != nil {
		return internalError(OpConnect, err)
	}
	if len(p.opts.Protocols) > 0 && !slices.Contains(p.opts.Protocols, req.Protocol) {
		return newError(KindInvalidRequest, OpConnect, "Unsupported protocol", fmt.Errorf("%w: %q", remote.ErrUnsupportedProtocol, req.Protocol))
	}
	return nil
}

// Disconnect closes the session, unknown ids are not an error
func (p *Proxy) Disconnect(id string) {
	var err error
	defer p.track(OpDisconnect, id, time.Now(), &err)
	p.registry.Close(id)
}

// Listing is the content of one remote directory
type Listing struct {
	Path    string         `json:"path"`
	Entries []remote.Entry `json:"contents"`
}

// List returns the directory entries, directories first then by name.
// An empty dir lists the root.
func (p *Proxy) List(ctx context.Context, id, dir string) (listing *Listing, err error) {
	defer p.track(OpList, id, time.Now(), &err)

	if dir == "" {
		dir = "/"
	}
	dir, err = remotePath(OpList, dir)
	if err != nil {
		return nil, err
	}

	var entries []remote.Entry
	err = p.execute(ctx, operation{
		name:    OpList,
		id:      id,
		timeout: p.opts.OperationTimeout,
		do: func(_ context.Context, c remote.Client) error {
			var err error
			entries, err = c.List(dir)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []remote.Entry{}
	}
	remote.SortEntries(entries)
	return &Listing{Path: dir, Entries: entries}, nil
}

// errSinkClosed is returned to a transfer still writing after Download gave up on it
var errSinkClosed = errors.New("download abandoned")

// guardedWriter stops forwarding writes once closed, the sink belongs to the caller after Download returns
type guardedWriter struct {
	w      io.Writer
	lock   sync.Mutex
	closed bool
}

func (g *guardedWriter) Write(b []byte) (int, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.closed {
		return 0, errSinkClosed
	}
	return g.w.Write(b)
}

func (g *guardedWriter) close() {
	g.lock.Lock()
	g.closed = true
	g.lock.Unlock()
}

// onceCloser lets the reader be closed from the copy and from a cancellation
type onceCloser struct {
	c    io.Closer
	once sync.Once
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() {
		o.err = o.c.Close()
	})
	return o.err
}

// Download streams the remote file into sink and returns the number of bytes written.
// Nothing is written to sink when the file cannot be opened.
// Cancelling ctx aborts the transfer.
func (p *Proxy) Download(ctx context.Context, id, filePath string, sink io.Writer) (written int64, err error) {
	defer p.track(OpDownload, id, time.Now(), &err)

	filePath, err = remotePath(OpDownload, filePath)
	if err != nil {
		return 0, err
	}

	out := &guardedWriter{w: sink}
	defer out.close()
	counter := tools.NewCountWriter(out)

	err = p.execute(ctx, operation{
		name:    OpDownload,
		id:      id,
		timeout: p.opts.TransferTimeout,
		do: func(ctx context.Context, c remote.Client) error {
			r, err := c.Retrieve(filePath)
			if err != nil {
				return err
			}
			closer := &onceCloser{c: r}
			stop := context.AfterFunc(ctx, func() {
				_ = closer.Close()
			})
			defer stop()

			_, err = io.Copy(counter, r)
			closeErr := closer.Close()
			if err == nil {
				err = closeErr
			}
			if err != nil && ctx.Err() != nil {
				err = ctx.Err()
			}
			tools.LogTransfer(p.Logger(), metrics.DirectionDownload, filePath, counter.Count(), err)
			return err
		},
	})
	written = counter.Count()
	p.addBytes(metrics.DirectionDownload, written)
	return written, err
}

// Upload stages src locally, then stores it as targetDir/filename on the remote server.
// Neither ctx nor the transfer timeout interrupts the remote write. Past the timeout
// the caller gets ProtocolTimeout while the file may still land, unless the session
// is closed, which closes the connection under the write.
func (p *Proxy) Upload(ctx context.Context, id, targetDir, filename string, src io.Reader) (name string, err error) {
	defer p.track(OpUpload, id, time.Now(), &err)

	dest, err := uploadPath(OpUpload, targetDir, filename)
	if err != nil {
		return "", err
	}
	if !p.HasSession(id) {
		return "", session.ErrNotFound
	}

	staged, err := p.stage(OpUpload, src, p.opts.StagingDir, p.opts.MaxUploadSize)
	if err != nil {
		return "", err
	}

	err = p.execute(ctx, operation{
		name:    OpUpload,
		id:      id,
		timeout: p.opts.TransferTimeout,
		detach:  true,
		do: func(_ context.Context, c remote.Client) error {
			counter := tools.NewCountReader(staged)
			err := c.Store(dest, counter)
			tools.LogTransfer(p.Logger(), metrics.DirectionUpload, dest, counter.Count(), err)
			if err == nil {
				p.addBytes(metrics.DirectionUpload, counter.Count())
			}
			return err
		},
		done: func() {
			p.discard(staged)
		},
	})
	if err != nil {
		return "", err
	}
	return filename, nil
}

// MakeDir creates the directory and its missing parents, an existing directory is fine
func (p *Proxy) MakeDir(ctx context.Context, id, dirPath string) (err error) {
	defer p.track(OpMakeDir, id, time.Now(), &err)

	dirPath, err = remotePath(OpMakeDir, dirPath)
	if err != nil {
		return err
	}
	return p.execute(ctx, operation{
		name:    OpMakeDir,
		id:      id,
		timeout: p.opts.OperationTimeout,
		do: func(_ context.Context, c remote.Client) error {
			return c.MakeDirAll(dirPath)
		},
	})
}

// Delete removes a file, or a directory with everything below it.
// An empty entryType means a file.
func (p *Proxy) Delete(ctx context.Context, id, itemPath string, entryType remote.EntryType) (err error) {
	defer p.track(OpDelete, id, time.Now(), &err)

	itemPath, err = remotePath(OpDelete, itemPath)
	if err != nil {
		return err
	}

	var remove func(c remote.Client) error
	switch entryType {
	case remote.EntryTypeFile, "":
		remove = func(c remote.Client) error { return c.Remove(itemPath) }
	case remote.EntryTypeDirectory:
		if itemPath == "/" || itemPath == "." {
			return newError(KindInvalidRequest, OpDelete, "Refusing to delete the root directory", nil)
		}
		remove = func(c remote.Client) error { return c.RemoveDir(itemPath) }
	default:
		return newError(KindInvalidRequest, OpDelete, "Type must be file or directory", nil)
	}

	return p.execute(ctx, operation{
		name:    OpDelete,
		id:      id,
		timeout: p.opts.OperationTimeout,
		do: func(_ context.Context, c remote.Client) error {
			return remove(c)
		},
	})
}

// Rename renames or moves an entry
func (p *Proxy) Rename(ctx context.Context, id, oldPath, newPath string) (err error) {
	defer p.track(OpRename, id, time.Now(), &err)

	oldPath, err = remotePath(OpRename, oldPath)
	if err != nil {
		return err
	}
	newPath, err = remotePath(OpRename, newPath)
	if err != nil {
		return err
	}
	return p.execute(ctx, operation{
		name:    OpRename,
		id:      id,
		timeout: p.opts.OperationTimeout,
		do: func(_ context.Context, c remote.Client) error {
			return c.Rename(oldPath, newPath)
		},
	})
}
