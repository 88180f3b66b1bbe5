package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Provider IDs recognized by the token broker and provisioner.
const (
	ProviderGitLabCloud  = "gitlabCloud"
	ProviderGitLabOnPrem = "gitlab"

	// GitLabCloudBaseURL is the fixed base URL for the hosted provider
	GitLabCloudBaseURL = "https://gitlab.com"
)

// Config represents the application configuration for both binaries
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	IPC         IPCConfig       `toml:"ipc"`
	Crawler     CrawlerConfig   `toml:"crawler"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Auth        AuthConfig      `toml:"auth"`
	Output      OutputConfig    `toml:"output"`
}

type ServerConfig struct {
	// SocketPath is the Unix domain socket the bus server listens on.
	// Defaults to <data_root>/config/api.sock when empty.
	SocketPath string `toml:"socket_path"`
	DataRoot   string `toml:"data_root" validate:"required"`
	// CrawlerID identifies this worker on the bus (crawler binary only)
	CrawlerID string `toml:"crawler_id"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`
	Output []string `toml:"output"` // "stdout", "file"
}

// IPCConfig carries the message bus tunables. All durations accept Go
// duration strings in TOML ("30s", "5m").
type IPCConfig struct {
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `toml:"heartbeat_timeout"`
	ReconnectBase     time.Duration `toml:"reconnect_base"`
	ReconnectMax      time.Duration `toml:"reconnect_max"`
	QueueLimit        int           `toml:"queue_limit"`
	MaxMessageSize    int           `toml:"max_message_size"`
}

type CrawlerConfig struct {
	PageSize          int           `toml:"page_size" validate:"min=1,max=100"`
	PageThrottle      time.Duration `toml:"page_throttle"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	TokenWaitTimeout  time.Duration `toml:"token_wait_timeout"`
	MaxConcurrentJobs int           `toml:"max_concurrent_jobs" validate:"min=1"`
}

type SchedulerConfig struct {
	DispatchInterval  time.Duration `toml:"dispatch_interval"`
	DiscoveryCooldown time.Duration `toml:"discovery_cooldown"`
}

// AuthConfig holds OAuth provider settings plus the directory scanned for
// authorization credential files at startup.
type AuthConfig struct {
	CredentialsDir string                         `toml:"credentials_dir"`
	Providers      map[string]OAuthProviderConfig `toml:"providers"`
}

// OAuthProviderConfig describes one OAuth provider (client credentials and
// endpoints). BaseURL is required for on-prem providers; the hosted provider
// falls back to gitlab.com.
type OAuthProviderConfig struct {
	BaseURL      string `toml:"base_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenURL     string `toml:"token_url"`
	VerifyURL    string `toml:"verify_url"`
}

type OutputConfig struct {
	StorageType string `toml:"storage_type"`
	BasePath    string `toml:"base_path"`
	Format      string `toml:"format"`
}

// DefaultConfig returns a configuration with production defaults applied
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			DataRoot: "./data",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		IPC: IPCConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  30 * time.Second,
			ReconnectBase:     5 * time.Second,
			ReconnectMax:      30 * time.Second,
			QueueLimit:        1000,
			MaxMessageSize:    1024 * 1024,
		},
		Crawler: CrawlerConfig{
			PageSize:          100,
			PageThrottle:      200 * time.Millisecond,
			RequestTimeout:    60 * time.Second,
			TokenWaitTimeout:  30 * time.Second,
			MaxConcurrentJobs: 1,
		},
		Scheduler: SchedulerConfig{
			DispatchInterval:  5 * time.Second,
			DiscoveryCooldown: 48 * time.Hour,
		},
		Auth: AuthConfig{
			Providers: map[string]OAuthProviderConfig{},
		},
		Output: OutputConfig{
			StorageType: "filesystem",
			Format:      "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML file, applies environment
// overrides and derived defaults, and validates the result. A missing file
// is not an error - defaults plus environment apply.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = os.Getenv("SETTINGS_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(config)
	applyDerivedDefaults(config)

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DATA_ROOT"); v != "" {
		config.Server.DataRoot = v
	}
	if v := os.Getenv("SOCKET_PATH"); v != "" {
		config.Server.SocketPath = v
	} else if v := os.Getenv("SUPERVISOR_SOCKET_PATH"); v != "" {
		config.Server.SocketPath = v
	}
	if v := os.Getenv("SUPERVISOR_PROCESS_ID"); v != "" {
		config.Server.CrawlerID = v
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.IPC.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.IPC.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.IPC.MaxMessageSize = n
		}
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		config.Environment = v
	}
}

func applyDerivedDefaults(config *Config) {
	if config.Server.SocketPath == "" {
		config.Server.SocketPath = filepath.Join(config.Server.DataRoot, "config", "api.sock")
	}
	if config.Storage.Badger.Path == "" {
		config.Storage.Badger.Path = filepath.Join(config.Server.DataRoot, "db")
	}
	if config.Output.BasePath == "" {
		config.Output.BasePath = filepath.Join(config.Server.DataRoot, "archive")
	}
	if config.Environment == "production" && config.IPC.MaxMessageSize <= 1024*1024 {
		config.IPC.MaxMessageSize = 5 * 1024 * 1024
	}
	// The hosted provider needs no per-deployment settings beyond client creds
	if _, ok := config.Auth.Providers[ProviderGitLabCloud]; !ok {
		config.Auth.Providers[ProviderGitLabCloud] = OAuthProviderConfig{
			BaseURL: GitLabCloudBaseURL,
		}
	}
}

// Provider resolves the OAuth provider configuration for a provider ID,
// filling endpoint defaults derived from the base URL.
func (c *Config) Provider(providerID string) (OAuthProviderConfig, bool) {
	p, ok := c.Auth.Providers[providerID]
	if !ok {
		return OAuthProviderConfig{}, false
	}
	if p.BaseURL == "" && providerID == ProviderGitLabCloud {
		p.BaseURL = GitLabCloudBaseURL
	}
	if p.TokenURL == "" && p.BaseURL != "" {
		p.TokenURL = p.BaseURL + "/oauth/token"
	}
	if p.VerifyURL == "" && p.BaseURL != "" {
		p.VerifyURL = p.BaseURL + "/api/v4/user"
	}
	return p, true
}
