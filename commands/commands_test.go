package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telebroad/ftpweb/proxy"
)

func execute(args ...string) (string, error) {
	cmd := GetRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func proxyConnect(username, password string) proxy.ConnectRequest {
	return proxy.ConnectRequest{
		Protocol: "local",
		Host:     "localhost",
		Username: username,
		Password: password,
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute("version")
	require.NoError(t, err)
	assert.Contains(t, out, "ftpweb dev")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftpweb", "config.yaml")

	out, err := execute("config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = execute("config", "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigShow(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: "127.0.0.1:9000"
remote:
  protocols: [local]
  local_root: `+filepath.ToSlash(root)+`
  local_users:
    - username: demo
      password: topsecret
`), 0600))

	out, err := execute("config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "127.0.0.1:9000")
	assert.Contains(t, out, "shutdown_timeout: 30s")
	assert.Contains(t, out, "username: demo")
	assert.NotContains(t, out, "topsecret")
}

func TestConfigShow_MissingFile(t *testing.T) {
	_, err := execute("config", "show", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}
