package ftpclient

import (
	"errors"
	"io"
	"log/slog"
	"net/textproto"
	"path"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telebroad/ftpweb/remote"
)

// fakeConn answers like a server holding the dirs set
type fakeConn struct {
	dirs    map[string]bool
	cwd     string
	cmds    []string
	entries []*ftp.Entry
	noopErr error
	quitErr error
}

func newFakeConn(dirs ...string) *fakeConn {
	c := &fakeConn{dirs: map[string]bool{"/": true}, cwd: "/home"}
	for _, d := range dirs {
		c.dirs[d] = true
	}
	return c
}

func notFound() error {
	return &textproto.Error{Code: ftp.StatusFileUnavailable, Msg: "No such file or directory"}
}

func (c *fakeConn) List(p string) ([]*ftp.Entry, error) {
	c.cmds = append(c.cmds, "LIST "+p)
	return c.entries, nil
}

func (c *fakeConn) Retr(p string) (*ftp.Response, error) {
	c.cmds = append(c.cmds, "RETR "+p)
	return nil, notFound()
}

func (c *fakeConn) Stor(p string, r io.Reader) error {
	c.cmds = append(c.cmds, "STOR "+p)
	_, err := io.Copy(io.Discard, r)
	return err
}

func (c *fakeConn) MakeDir(p string) error {
	c.cmds = append(c.cmds, "MKD "+p)
	if !c.dirs[path.Dir(p)] {
		return notFound()
	}
	c.dirs[p] = true
	return nil
}

func (c *fakeConn) ChangeDir(p string) error {
	c.cmds = append(c.cmds, "CWD "+p)
	if p != "/home" && !c.dirs[p] {
		return notFound()
	}
	c.cwd = p
	return nil
}

func (c *fakeConn) CurrentDir() (string, error) {
	c.cmds = append(c.cmds, "PWD")
	return c.cwd, nil
}

func (c *fakeConn) Delete(p string) error {
	c.cmds = append(c.cmds, "DELE "+p)
	return nil
}

func (c *fakeConn) RemoveDirRecur(p string) error {
	c.cmds = append(c.cmds, "RMD -r "+p)
	return nil
}

func (c *fakeConn) Rename(from, to string) error {
	c.cmds = append(c.cmds, "RNFR "+from, "RNTO "+to)
	return nil
}

func (c *fakeConn) NoOp() error {
	c.cmds = append(c.cmds, "NOOP")
	return c.noopErr
}

func (c *fakeConn) Quit() error {
	c.cmds = append(c.cmds, "QUIT")
	return c.quitErr
}

func newTestClient(conn *fakeConn) *Client {
	return &Client{conn: conn, logger: slog.Default()}
}

func TestClient_List(t *testing.T) {
	modified := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	conn := newFakeConn()
	conn.entries = []*ftp.Entry{
		{Name: ".", Type: ftp.EntryTypeFolder},
		{Name: "..", Type: ftp.EntryTypeFolder},
		{Name: "docs", Type: ftp.EntryTypeFolder, Size: 4096, Time: modified},
		{Name: "report.pdf", Type: ftp.EntryTypeFile, Size: 1234, Time: modified},
		{Name: "latest", Type: ftp.EntryTypeLink, Target: "report.pdf"},
	}

	entries, err := newTestClient(conn).List("/pub")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, remote.Entry{Name: "docs", Type: remote.EntryTypeDirectory, ModifiedAt: modified}, entries[0])
	assert.Equal(t, remote.Entry{Name: "report.pdf", Type: remote.EntryTypeFile, Size: 1234, ModifiedAt: modified}, entries[1])
	assert.Equal(t, remote.EntryTypeFile, entries[2].Type)
	assert.Equal(t, []string{"LIST /pub"}, conn.cmds)
}

func TestClient_MakeDirAll(t *testing.T) {
	t.Run("creates missing parents", func(t *testing.T) {
		conn := newFakeConn("/a")
		require.NoError(t, newTestClient(conn).MakeDirAll("/a/b/c"))

		assert.True(t, conn.dirs["/a/b"])
		assert.True(t, conn.dirs["/a/b/c"])
		assert.Equal(t, []string{
			"PWD",
			"CWD /a",
			"CWD /a/b", "MKD /a/b",
			"CWD /a/b/c", "MKD /a/b/c",
			"CWD /home",
		}, conn.cmds)
	})

	t.Run("existing directory is not an error", func(t *testing.T) {
		conn := newFakeConn("/a", "/a/b")
		require.NoError(t, newTestClient(conn).MakeDirAll("a/b/"))
		assert.NotContains(t, conn.cmds, "MKD /a/b")
		assert.Equal(t, "/home", conn.cwd)
	})

	t.Run("root", func(t *testing.T) {
		conn := newFakeConn()
		require.NoError(t, newTestClient(conn).MakeDirAll("/"))
		assert.Empty(t, conn.cmds)
	})
}

func TestClient_Commands(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(conn)

	require.NoError(t, c.Remove("/a.txt"))
	require.NoError(t, c.RemoveDir("/old"))
	require.NoError(t, c.Rename("/x", "/y"))
	require.NoError(t, c.Alive())

	_, err := c.Retrieve("/missing")
	var protoErr *textproto.Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ftp.StatusFileUnavailable, protoErr.Code)

	assert.Equal(t, []string{"DELE /a.txt", "RMD -r /old", "RNFR /x", "RNTO /y", "NOOP", "RETR /missing"}, conn.cmds)
}

func TestClient_Alive_ConnectionLost(t *testing.T) {
	conn := newFakeConn()
	conn.noopErr = &textproto.Error{Code: ftp.StatusNotAvailable, Msg: "Timeout"}

	err := newTestClient(conn).Alive()
	require.Error(t, err)
	assert.True(t, remote.IsConnectionLost(err))
}

func TestClient_Close(t *testing.T) {
	conn := newFakeConn()
	conn.quitErr = io.EOF
	assert.NoError(t, newTestClient(conn).Close(), "a dropped connection is already closed")

	conn = newFakeConn()
	conn.quitErr = errors.New("boom")
	assert.Error(t, newTestClient(conn).Close())
}
