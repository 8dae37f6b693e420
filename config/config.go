// Description: config package
// Static configuration of the ftpweb server.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (FTPWEB_*, e.g. FTPWEB_SESSIONS_MAX_SESSIONS=50)
//  2. Configuration file (YAML)
//  3. Default values

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FTPWEB"

type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`
	Remote   RemoteConfig   `mapstructure:"remote" yaml:"remote"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout bounds the graceful shutdown of the HTTP server and the open sessions
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	// Format is text (colored, for humans) or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	// Output is stdout, stderr or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig is the HTTP front end.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gte=0" yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" validate:"gte=0" yaml:"idle_timeout"`
	// StaticDir is served on every path the API does not use, empty disables it
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir"`
	// MaxUploadSize bounds one upload request, supports "512MiB", "1GB" or a plain number
	MaxUploadSize ByteSize `mapstructure:"max_upload_size" yaml:"max_upload_size"`
	// StagingDir holds uploads before they are sent, empty means the system temp dir
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir"`
	// TLSCert and TLSKey serve HTTPS when both are set
	TLSCert string `mapstructure:"tls_cert" validate:"required_with=TLSKey" yaml:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key" validate:"required_with=TLSCert" yaml:"tls_key"`
}

// SessionsConfig bounds the open remote sessions.
type SessionsConfig struct {
	// MaxSessions is the maximum number of live sessions, 0 disables the bound
	MaxSessions int `mapstructure:"max_sessions" validate:"gte=0" yaml:"max_sessions"`
	// IdleTimeout closes sessions unused for that long, 0 keeps them until disconnect
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" validate:"gte=0" yaml:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0" yaml:"sweep_interval"`
}

// RemoteConfig configures the connections to the remote servers.
type RemoteConfig struct {
	// Protocols accepted by connect: ftp, sftp, local
	Protocols        []string      `mapstructure:"protocols" validate:"required,min=1,dive,oneof=ftp sftp local" yaml:"protocols,flow"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout" validate:"gt=0" yaml:"dial_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"gt=0" yaml:"operation_timeout"`
	TransferTimeout  time.Duration `mapstructure:"transfer_timeout" validate:"gt=0" yaml:"transfer_timeout"`

	// InsecureSkipVerify accepts any FTPS server certificate
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	// DisableEPSV makes FTP use PASV, for servers behind broken NAT
	DisableEPSV bool `mapstructure:"disable_epsv" yaml:"disable_epsv"`
	// KnownHosts is an OpenSSH known_hosts file checked for SFTP host keys, empty accepts any key
	KnownHosts string `mapstructure:"known_hosts" yaml:"known_hosts"`

	// LocalRoot serves a local directory through the local protocol, for development
	LocalRoot  string      `mapstructure:"local_root" yaml:"local_root,omitempty"`
	LocalUsers []LocalUser `mapstructure:"local_users" validate:"dive" yaml:"local_users,omitempty"`
}

// LocalUser may log in through the local protocol
type LocalUser struct {
	Username string `mapstructure:"username" validate:"required" yaml:"username"`
	Password string `mapstructure:"password" validate:"required" yaml:"password"`
	// Home is relative to LocalRoot, empty or "/" gives access to the whole root
	Home string `mapstructure:"home" yaml:"home,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint on the HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" validate:"required,startswith=/" yaml:"path"`
}

// HasProtocol reports whether connect accepts the protocol
func (c RemoteConfig) HasProtocol(p string) bool {
	for _, have := range c.Protocols {
		if have == p {
			return true
		}
	}
	return false
}

// ByteSize is a size in bytes written as "1GiB", "500MB" or a plain number
type ByteSize int64

func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(max(b, 0)))
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	size, err := ParseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath looks for config.yaml in the default directory,
// a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration like Load but refuses an explicit path that does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  ftpweb config init --config %s",
				configPath, configPath)
		}
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML.
// The file may hold local user passwords, it is only readable by its owner.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// InitConfig writes the default configuration to path, or to the default location when path is empty.
// An existing file is only replaced with force.
func InitConfig(path string, force bool) (string, error) {
	if path == "" {
		path = GetDefaultConfigPath()
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
		}
	}
	if err := SaveConfig(GetDefaultConfig(), path); err != nil {
		return "", err
	}
	return path, nil
}

// setupViper configures environment variables and the config file.
// Every key gets a default so that an environment variable alone can set it.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, "", reflect.ValueOf(GetDefaultConfig()).Elem())

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// setDefaults registers every leaf of the struct under its mapstructure key
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		field := val.Field(i)
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			setDefaults(v, key, field)
			continue
		}
		switch value := field.Interface().(type) {
		case ByteSize:
			v.SetDefault(key, int64(value))
		case []LocalUser:
			// lists of tables only come from the file
		default:
			v.SetDefault(key, value)
		}
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks parses durations, byte sizes and comma separated lists from strings
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// Validate checks the configuration after defaults were applied.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		remote := sl.Current().Interface().(RemoteConfig)
		if remote.HasProtocol("local") && remote.LocalRoot == "" {
			sl.ReportError(remote.LocalRoot, "LocalRoot", "local_root", "required_with_local", "")
		}
	}, RemoteConfig{})

	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed on %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/ftpweb, ~/.config/ftpweb or "." as a last resort
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ftpweb")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ftpweb")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
