package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telebroad/ftpweb/remote"
	"github.com/telebroad/ftpweb/remote/remotetest"
	"github.com/telebroad/ftpweb/session"
)

var testConnect = ConnectRequest{
	Protocol: remote.ProtocolFTP,
	Host:     "ftp.example.com",
	Username: "demo",
	Password: "password",
}

type recordedOp struct {
	op     string
	result string
}

type fakeMetrics struct {
	lock  sync.Mutex
	ops   []recordedOp
	bytes map[string]int64
}

func (m *fakeMetrics) ObserveOperation(op, result string, _ time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.ops = append(m.ops, recordedOp{op, result})
}

func (m *fakeMetrics) AddBytes(direction string, n int64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.bytes == nil {
		m.bytes = make(map[string]int64)
	}
	m.bytes[direction] += n
}

func newTestProxy(t *testing.T, opts Options) (*Proxy, *remotetest.Dialer) {
	t.Helper()
	if opts.StagingDir == "" {
		opts.StagingDir = t.TempDir()
	}
	d := remotetest.NewDialer()
	return New(session.NewRegistry(d, session.Options{}), opts), d
}

func connect(t *testing.T, p *Proxy) string {
	t.Helper()
	id, err := p.Connect(context.Background(), testConnect)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, kind, perr.Kind, "error: %v", err)
	return perr
}

func TestProxy_Connect_Validation(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(r *ConnectRequest)
		message string
	}{
		{"missing host", func(r *ConnectRequest) { r.Host = "" }, msgMissingConnect},
		{"blank host", func(r *ConnectRequest) { r.Host = "   " }, msgMissingConnect},
		{"missing username", func(r *ConnectRequest) { r.Username = "" }, msgMissingConnect},
		{"missing password", func(r *ConnectRequest) { r.Password = "" }, msgMissingConnect},
		{"port too large", func(r *ConnectRequest) { r.Port = 70000 }, "Invalid port"},
		{"negative port", func(r *ConnectRequest) { r.Port = -1 }, "Invalid port"},
		{"command injection", func(r *ConnectRequest) { r.Username = "demo\r\nDELE x" }, "Invalid username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, d := newTestProxy(t, Options{})
			req := testConnect
			tt.edit(&req)

			id, err := p.Connect(context.Background(), req)
			perr := requireKind(t, err, KindInvalidRequest)
			assert.Equal(t, tt.message, perr.Message)
			assert.Empty(t, id)
			assert.Empty(t, d.Clients(), "nothing is dialed for an invalid request")
		})
	}
}

func TestProxy_Connect_DefaultsToFTP(t *testing.T) {
	p, d := newTestProxy(t, Options{Protocols: []remote.Protocol{remote.ProtocolFTP}})
	req := testConnect
	req.Protocol = ""

	_, err := p.Connect(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, d.Clients(), 1)
}

func TestProxy_Connect_ProtocolNotAllowed(t *testing.T) {
	p, d := newTestProxy(t, Options{Protocols: []remote.Protocol{remote.ProtocolFTP}})
	req := testConnect
	req.Protocol = remote.ProtocolLocal

	_, err := p.Connect(context.Background(), req)
	perr := requireKind(t, err, KindInvalidRequest)
	assert.Equal(t, "Unsupported protocol", perr.Message)
	assert.ErrorIs(t, err, remote.ErrUnsupportedProtocol)
	assert.Empty(t, d.Clients())
}

func TestProxy_Connect_Error(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	d.FailWith(errors.New("530 Login incorrect."))

	_, err := p.Connect(context.Background(), testConnect)
	perr := requireKind(t, err, KindConnectError)
	assert.Equal(t, "Connection failed: 530 Login incorrect.", perr.Message)
	assert.ErrorIs(t, err, session.ErrConnect)
	assert.Equal(t, 0, p.Sessions())
}

func TestProxy_Connect_UniqueIDs(t *testing.T) {
	p, _ := newTestProxy(t, Options{})
	ids := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id := connect(t, p)
		assert.False(t, ids[id])
		ids[id] = true
	}
	assert.Equal(t, 20, p.Sessions())
}

func TestProxy_Disconnect_Idempotent(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	id := connect(t, p)

	p.Disconnect(id)
	p.Disconnect(id)
	p.Disconnect("unknown")

	assert.Equal(t, 0, p.Sessions())
	assert.Equal(t, 1, d.Last().CloseCount())

	_, err := p.List(context.Background(), id, "/")
	requireKind(t, err, KindSessionNotFound)
}

func TestProxy_UnknownSession(t *testing.T) {
	p, _ := newTestProxy(t, Options{})
	ctx := context.Background()
	const id = "does-not-exist"

	ops := map[string]func() error{
		"list": func() error {
			_, err := p.List(ctx, id, "/")
			return err
		},
		"download": func() error {
			_, err := p.Download(ctx, id, "/a.txt", &bytes.Buffer{})
			return err
		},
		"upload": func() error {
			_, err := p.Upload(ctx, id, "/", "a.txt", strings.NewReader("data"))
			return err
		},
		"mkdir": func() error {
			return p.MakeDir(ctx, id, "/new")
		},
		"delete": func() error {
			return p.Delete(ctx, id, "/a.txt", remote.EntryTypeFile)
		},
		"rename": func() error {
			return p.Rename(ctx, id, "/a.txt", "/b.txt")
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			perr := requireKind(t, op(), KindSessionNotFound)
			assert.Equal(t, msgSessionNotFound, perr.Message)
		})
	}
}

func TestProxy_List_Ordering(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	d.FS.WriteFile("/b.txt", []byte("bb"))
	d.FS.WriteFile("/a.txt", []byte("a"))
	d.FS.WriteFile("/B.txt", []byte("B"))
	d.FS.MkdirAll("/zeta")
	d.FS.MkdirAll("/Alpha")
	d.FS.MkdirAll("/alpha/nested")
	id := connect(t, p)

	listing, err := p.List(context.Background(), id, "")
	require.NoError(t, err)
	assert.Equal(t, "/", listing.Path)

	names := make([]string, len(listing.Entries))
	for i, e := range listing.Entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"Alpha", "alpha", "zeta", "B.txt", "a.txt", "b.txt"}, names)
	assert.Equal(t, int64(2), listing.Entries[5].Size)
}

func TestProxy_List_EmptyAndMissing(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	d.FS.MkdirAll("/empty")
	id := connect(t, p)

	listing, err := p.List(context.Background(), id, "/empty/")
	require.NoError(t, err)
	assert.Equal(t, "/empty", listing.Path)
	assert.NotNil(t, listing.Entries)
	assert.Empty(t, listing.Entries)

	_, err = p.List(context.Background(), id, "/missing")
	requireKind(t, err, KindProtocolError)
	assert.Equal(t, 1, p.Sessions(), "a failed command keeps the session")
}

func TestProxy_Logger_Concurrent(t *testing.T) {
	p, _ := newTestProxy(t, Options{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotNil(t, p.Logger())
			assert.NotNil(t, p.registry.Logger())
		}()
	}
	wg.Wait()

	p.SetLogger(nil)
	assert.NotNil(t, p.Logger(), "a nil logger is ignored")
}

func TestProxy_MakeDir_Idempotent(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	id := connect(t, p)

	require.NoError(t, p.MakeDir(context.Background(), id, "/a/b/c"))
	require.NoError(t, p.MakeDir(context.Background(), id, "/a/b/c"))
	assert.True(t, d.FS.IsDir("/a/b/c"))
	assert.True(t, d.FS.IsDir("/a/b"))

	listing, err := p.List(context.Background(), id, "/a/b")
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1, "the second call does not create a duplicate")
	assert.Equal(t, "c", listing.Entries[0].Name)
	assert.Equal(t, remote.EntryTypeDirectory, listing.Entries[0].Type)
}

func TestProxy_RelativePaths_ResolveFromRoot(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	id := connect(t, p)

	require.NoError(t, p.MakeDir(context.Background(), id, "docs/2024"))
	assert.True(t, d.FS.IsDir("/docs/2024"))

	listing, err := p.List(context.Background(), id, "docs")
	require.NoError(t, err)
	assert.Equal(t, "/docs", listing.Path)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "2024", listing.Entries[0].Name)

	require.NoError(t, p.MakeDir(context.Background(), id, "../../outside"))
	assert.True(t, d.FS.IsDir("/outside"), "dot-dot stops at the root")
	calls := d.Last().Calls()
	assert.Equal(t, "/outside", calls[len(calls)-1].Args[0])
}

func TestProxy_UploadDownload_RoundTrip(t *testing.T) {
	staging := t.TempDir()
	p, d := newTestProxy(t, Options{StagingDir: staging})
	m := &fakeMetrics{}
	p.SetMetrics(m)
	d.FS.MkdirAll("/docs")
	id := connect(t, p)

	data := strings.Repeat("quarterly numbers\n", 1000)
	name, err := p.Upload(context.Background(), id, "/docs", "report.txt", strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "report.txt", name)

	stored, ok := d.FS.ReadFile("/docs/report.txt")
	require.True(t, ok)
	assert.Equal(t, data, string(stored))

	var buf bytes.Buffer
	n, err := p.Download(context.Background(), id, "/docs/report.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, buf.String())

	left, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, left, "staging files are removed")

	assert.Equal(t, int64(len(data)), m.bytes["upload"])
	assert.Equal(t, int64(len(data)), m.bytes["download"])
	assert.Contains(t, m.ops, recordedOp{OpUpload, "ok"})
	assert.Contains(t, m.ops, recordedOp{OpDownload, "ok"})
}

func TestProxy_Upload_DefaultsToRoot(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	id := connect(t, p)

	_, err := p.Upload(context.Background(), id, "", "notes.txt", strings.NewReader("hi"))
	require.NoError(t, err)
	assert.True(t, d.FS.Exists("/notes.txt"))
}

func TestProxy_Upload_RejectsBadNames(t *testing.T) {
	tests := []struct {
		filename string
		kind     Kind
	}{
		{"../../etc/passwd", KindPathTraversalRejected},
		{"..", KindPathTraversalRejected},
		{".", KindPathTraversalRejected},
		{"a/b.txt", KindPathTraversalRejected},
		{`..\..\boot.ini`, KindPathTraversalRejected},
		{"", KindInvalidRequest},
		{"bad\r\nname", KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.filename), func(t *testing.T) {
			staging := t.TempDir()
			p, d := newTestProxy(t, Options{StagingDir: staging})
			id := connect(t, p)

			_, err := p.Upload(context.Background(), id, "/uploads", tt.filename, strings.NewReader("x"))
			requireKind(t, err, tt.kind)
			assert.NotContains(t, d.Last().Ops(), remotetest.OpStore)
			assert.False(t, d.FS.Exists("/etc/passwd"))

			left, err := os.ReadDir(staging)
			require.NoError(t, err)
			assert.Empty(t, left)
		})
	}
}

func TestProxy_Upload_TooLarge(t *testing.T) {
	staging := t.TempDir()
	p, d := newTestProxy(t, Options{StagingDir: staging, MaxUploadSize: 4})
	id := connect(t, p)

	_, err := p.Upload(context.Background(), id, "/", "big.bin", strings.NewReader("0123456789"))
	perr := requireKind(t, err, KindInvalidRequest)
	assert.Contains(t, perr.Message, "too large")
	assert.False(t, d.FS.Exists("/big.bin"))
	assert.Equal(t, 1, p.Sessions())

	left, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, left)

	_, err = p.Upload(context.Background(), id, "/", "small.bin", strings.NewReader("0123"))
	assert.NoError(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("client went away")
}

func TestProxy_Upload_SourceError(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	id := connect(t, p)

	_, err := p.Upload(context.Background(), id, "/", "a.txt", failingReader{})
	requireKind(t, err, KindInvalidRequest)
	assert.NotContains(t, d.Last().Ops(), remotetest.OpStore)
}

func TestProxy_Upload_StagingFailure(t *testing.T) {
	p, _ := newTestProxy(t, Options{StagingDir: "/nonexistent/staging/dir"})
	id := connect(t, p)

	_, err := p.Upload(context.Background(), id, "/", "a.txt", strings.NewReader("x"))
	perr := requireKind(t, err, KindInternalError)
	assert.Equal(t, msgInternal, perr.Message)
}

func TestProxy_Upload_IgnoresCallerCancel(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	id := connect(t, p)
	d.Last().SetDelay(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := p.Upload(ctx, id, "/", "a.txt", strings.NewReader("complete"))
	require.NoError(t, err)

	data, ok := d.FS.ReadFile("/a.txt")
	require.True(t, ok)
	assert.Equal(t, "complete", string(data))
}

func TestProxy_Download_Missing(t *testing.T) {
	p, _ := newTestProxy(t, Options{})
	id := connect(t, p)

	var buf bytes.Buffer
	n, err := p.Download(context.Background(), id, "/missing.txt", &buf)
	requireKind(t, err, KindProtocolError)
	assert.Zero(t, n)
	assert.Zero(t, buf.Len())
}

func TestProxy_Download_Timeout(t *testing.T) {
	p, d := newTestProxy(t, Options{TransferTimeout: 20 * time.Millisecond})
	d.FS.WriteFile("/slow.bin", []byte("slow"))
	id := connect(t, p)
	d.Last().SetDelay(300 * time.Millisecond)

	var buf safeBuffer
	start := time.Now()
	_, err := p.Download(context.Background(), id, "/slow.bin", &buf)
	requireKind(t, err, KindProtocolTimeout)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	// the abandoned transfer must not reach the sink
	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, buf.Len())
	assert.Equal(t, 1, p.Sessions())
}

type safeBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Len()
}

func TestProxy_Delete(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	d.FS.WriteFile("/file.txt", []byte("x"))
	d.FS.WriteFile("/dir/inner/deep.txt", []byte("x"))
	id := connect(t, p)
	ctx := context.Background()

	require.NoError(t, p.Delete(ctx, id, "/file.txt", remote.EntryTypeFile))
	assert.False(t, d.FS.Exists("/file.txt"))

	require.NoError(t, p.Delete(ctx, id, "/dir", remote.EntryTypeDirectory))
	assert.False(t, d.FS.Exists("/dir/inner/deep.txt"))
	assert.False(t, d.FS.Exists("/dir"))

	perr := requireKind(t, p.Delete(ctx, id, "/x", "symlink"), KindInvalidRequest)
	assert.Equal(t, "Type must be file or directory", perr.Message)
	requireKind(t, p.Delete(ctx, id, "/", remote.EntryTypeDirectory), KindInvalidRequest)

	assert.Equal(t, []string{remotetest.OpRemove, remotetest.OpRemoveDir}, d.Last().Ops())
}

func TestProxy_Rename(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	d.FS.WriteFile("/old.txt", []byte("x"))
	id := connect(t, p)

	require.NoError(t, p.Rename(context.Background(), id, "/old.txt", "/new.txt"))
	assert.False(t, d.FS.Exists("/old.txt"))
	assert.True(t, d.FS.Exists("/new.txt"))
	assert.Equal(t, []remotetest.Call{{Op: remotetest.OpRename, Args: []string{"/old.txt", "/new.txt"}}}, d.Last().Calls())

	requireKind(t, p.Rename(context.Background(), id, "", "/x"), KindInvalidRequest)
}

func TestProxy_ProtocolErrorMessage(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	id := connect(t, p)
	d.Last().FailOn(remotetest.OpMakeDirAll, errors.New("550 Permission denied."))

	perr := requireKind(t, p.MakeDir(context.Background(), id, "/locked"), KindProtocolError)
	assert.Equal(t, "550 Permission denied.", perr.Message)
	assert.Equal(t, 1, p.Sessions())
}

func TestProxy_SerializesSessionAccess(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	d.FS.WriteFile("/shared.txt", []byte("shared"))
	id := connect(t, p)
	c := d.Last()
	c.SetDelay(time.Millisecond)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(4)
		go func() {
			defer wg.Done()
			_, err := p.List(ctx, id, "/")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := p.Download(ctx, id, "/shared.txt", &bytes.Buffer{})
			assert.NoError(t, err)
		}()
		go func(i int) {
			defer wg.Done()
			_, err := p.Upload(ctx, id, "/", fmt.Sprintf("f%d.txt", i), strings.NewReader("data"))
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, p.MakeDir(ctx, id, fmt.Sprintf("/d%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Len(t, c.Calls(), 40)
	assert.Zero(t, c.Overlaps(), "operations on one session overlapped")
}

func TestProxy_Timeout_KeepsSession(t *testing.T) {
	p, d := newTestProxy(t, Options{OperationTimeout: 20 * time.Millisecond})
	id := connect(t, p)
	c := d.Last()
	c.SetDelay(200 * time.Millisecond)

	_, err := p.List(context.Background(), id, "/")
	requireKind(t, err, KindProtocolTimeout)
	assert.Equal(t, 1, p.Sessions())

	c.SetDelay(0)
	require.Eventually(t, func() bool {
		_, err := p.List(context.Background(), id, "/")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Zero(t, c.Overlaps())
}

// hungClient never answers a List, the call only returns once the client is closed
type hungClient struct {
	*remotetest.Client
	closed chan struct{}
	once   sync.Once
}

func (c *hungClient) List(string) ([]remote.Entry, error) {
	<-c.closed
	return nil, remotetest.ErrClosed
}

func (c *hungClient) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.Client.Close()
}

func TestProxy_Disconnect_ClosesHungConnection(t *testing.T) {
	hung := &hungClient{Client: remotetest.NewClient(remotetest.NewFS()), closed: make(chan struct{})}
	dialer := remote.DialerFunc(func(context.Context, remote.Endpoint, remote.Credentials) (remote.Client, error) {
		return hung, nil
	})
	p := New(session.NewRegistry(dialer, session.Options{}), Options{
		OperationTimeout: 50 * time.Millisecond,
		StagingDir:       t.TempDir(),
	})
	id := connect(t, p)

	_, err := p.List(context.Background(), id, "/")
	requireKind(t, err, KindProtocolTimeout)
	_, err = p.List(context.Background(), id, "/")
	requireKind(t, err, KindProtocolTimeout)

	p.Disconnect(id)
	assert.Equal(t, 0, p.Sessions())
	select {
	case <-hung.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("hung remote connection was never closed after Disconnect")
	}
	assert.Eventually(t, hung.Closed, 2*time.Second, 10*time.Millisecond)

	_, err = p.List(context.Background(), id, "/")
	requireKind(t, err, KindSessionNotFound)
}

func TestProxy_ConnectionLost_EvictsSession(t *testing.T) {
	p, d := newTestProxy(t, Options{})
	id := connect(t, p)
	c := d.Last()
	c.FailOn(remotetest.OpList, remotetest.ErrClosed)

	_, err := p.List(context.Background(), id, "/")
	perr := requireKind(t, err, KindProtocolError)
	assert.Contains(t, perr.Message, "lost")
	assert.Equal(t, 0, p.Sessions())
	assert.Equal(t, 1, c.CloseCount())

	_, err = p.List(context.Background(), id, "/")
	requireKind(t, err, KindSessionNotFound)
}

func TestProxy_Metrics(t *testing.T) {
	p, _ := newTestProxy(t, Options{})
	id := connect(t, p)
	m := &fakeMetrics{}
	p.SetMetrics(m)

	_, _ = p.List(context.Background(), id, "/")
	_, _ = p.List(context.Background(), "nope", "/")
	p.Disconnect(id)

	assert.Equal(t, []recordedOp{
		{OpList, "ok"},
		{OpList, string(KindSessionNotFound)},
		{OpDisconnect, "ok"},
	}, m.ops)
}
