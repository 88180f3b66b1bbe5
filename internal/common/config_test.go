package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile_Defaults(t *testing.T) {
	config, err := LoadFromFile("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("./data", "config", "api.sock"), config.Server.SocketPath)
	assert.Equal(t, filepath.Join("./data", "db"), config.Storage.Badger.Path)
	assert.Equal(t, 1024*1024, config.IPC.MaxMessageSize)
	assert.Equal(t, 30*time.Second, config.IPC.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, config.IPC.ReconnectBase)
	assert.Equal(t, 30*time.Second, config.IPC.ReconnectMax)
	assert.Equal(t, 1000, config.IPC.QueueLimit)
	assert.Equal(t, 100, config.Crawler.PageSize)
	assert.Equal(t, 200*time.Millisecond, config.Crawler.PageThrottle)
	assert.Equal(t, 48*time.Hour, config.Scheduler.DiscoveryCooldown)
}

func TestLoadFromFile_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colligo.toml")
	content := `
environment = "staging"

[server]
data_root = "/var/lib/colligo"
socket_path = "/run/colligo/api.sock"

[ipc]
heartbeat_timeout = "45s"
queue_limit = 500

[crawler]
page_size = 50

[auth.providers.gitlab]
base_url = "https://gitlab.example.com"
client_id = "abc"
client_secret = "def"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", config.Environment)
	assert.Equal(t, "/run/colligo/api.sock", config.Server.SocketPath)
	assert.Equal(t, 45*time.Second, config.IPC.HeartbeatTimeout)
	assert.Equal(t, 500, config.IPC.QueueLimit)
	assert.Equal(t, 50, config.Crawler.PageSize)

	provider, ok := config.Provider("gitlab")
	require.True(t, ok)
	assert.Equal(t, "https://gitlab.example.com/oauth/token", provider.TokenURL)
	assert.Equal(t, "https://gitlab.example.com/api/v4/user", provider.VerifyURL)
}

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	t.Setenv("SOCKET_PATH", "/tmp/override.sock")
	t.Setenv("DATA_ROOT", "/tmp/colligo-data")
	t.Setenv("HEARTBEAT_TIMEOUT", "90s")

	config, err := LoadFromFile("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.sock", config.Server.SocketPath)
	assert.Equal(t, "/tmp/colligo-data", config.Server.DataRoot)
	assert.Equal(t, 90*time.Second, config.IPC.HeartbeatTimeout)
}

func TestLoadFromFile_SupervisorEnvFallback(t *testing.T) {
	t.Setenv("SUPERVISOR_SOCKET_PATH", "/tmp/supervisor.sock")
	t.Setenv("SUPERVISOR_PROCESS_ID", "crawler-7")

	config, err := LoadFromFile("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/supervisor.sock", config.Server.SocketPath)
	assert.Equal(t, "crawler-7", config.Server.CrawlerID)
}

func TestLoadFromFile_ProductionMessageSize(t *testing.T) {
	t.Setenv("NODE_ENV", "production")

	config, err := LoadFromFile("")
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, 5*1024*1024, config.IPC.MaxMessageSize)
}

func TestProvider_GitLabCloudDefaults(t *testing.T) {
	config, err := LoadFromFile("")
	require.NoError(t, err)

	provider, ok := config.Provider(ProviderGitLabCloud)
	require.True(t, ok)
	assert.Equal(t, GitLabCloudBaseURL, provider.BaseURL)
	assert.Equal(t, "https://gitlab.com/oauth/token", provider.TokenURL)
	assert.Equal(t, "https://gitlab.com/api/v4/user", provider.VerifyURL)

	_, ok = config.Provider("unknown")
	assert.False(t, ok)
}
