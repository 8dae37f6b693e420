package httphandler

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telebroad/ftpweb/keys"
)

func TestServer_TryServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	}), ServerOptions{ReadHeaderTimeout: time.Second})
	require.NoError(t, srv.TryServe(ln, 50*time.Millisecond))
	assert.False(t, srv.TLS())

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, srv.Wait(), "a shut down server is not an error")
}

func TestServer_TryListenAndServe_AddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := NewServer(ln.Addr().String(), http.NotFoundHandler(), ServerOptions{})
	assert.Error(t, srv.TryListenAndServe(50*time.Millisecond))
}

func TestServer_TryServe_BadCertificate(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), http.NotFoundHandler(), ServerOptions{
		TLSCertFile: "missing-cert.pem",
		TLSKeyFile:  "missing-key.pem",
	})
	assert.True(t, srv.TLS())
	assert.Error(t, srv.TryServe(ln, time.Second))
}

func TestServer_TryServe_TLS(t *testing.T) {
	certFile, keyFile, err := keys.SelfSignedCertificate(time.Hour, "127.0.0.1")
	require.NoError(t, err)
	dir := t.TempDir()
	opts := ServerOptions{
		TLSCertFile: filepath.Join(dir, "cert.pem"),
		TLSKeyFile:  filepath.Join(dir, "key.pem"),
	}
	require.NoError(t, os.WriteFile(opts.TLSCertFile, certFile, 0600))
	require.NoError(t, os.WriteFile(opts.TLSKeyFile, keyFile, 0600))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln.Addr().String(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}), opts)
	require.NoError(t, srv.TryServe(ln, 50*time.Millisecond))
	t.Cleanup(func() { _ = srv.Close() })

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "secure", string(body))
	assert.NotNil(t, resp.TLS)
}
