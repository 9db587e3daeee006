// Package config provides configuration management for pia-tools.
// Settings come from built-in defaults, an optional YAML file and
// PIA_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/yllada/pia-tools/common"
)

// EnvPrefix is the prefix of environment variables overriding the config file.
const EnvPrefix = "PIA"

// Config represents the application configuration.
type Config struct {
	// ConfigDir holds the vendor .ovpn files, the passwd file and cached state.
	ConfigDir string `mapstructure:"config_dir" yaml:"config_dir"`
	// UnitPrefix is the systemd template name: <prefix>@<EXIT_POINT>.service.
	UnitPrefix string `mapstructure:"unit_prefix" yaml:"unit_prefix"`
	// LockFile serializes state-changing invocations.
	LockFile string `mapstructure:"lock_file" yaml:"lock_file"`
	// ConnectTimeout bounds the wait for the tunnel to come up. Zero waits forever.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// PollInterval is how often the journal is re-read while waiting.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// WatchInterval is the default pause between two watch passes.
	WatchInterval time.Duration `mapstructure:"watch_interval" yaml:"watch_interval"`

	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	PortForward  PortForwardConfig  `mapstructure:"port_forward" yaml:"port_forward"`
	Transmission TransmissionConfig `mapstructure:"transmission" yaml:"transmission"`
	Credentials  CredentialsConfig  `mapstructure:"credentials" yaml:"credentials"`
	Setup        SetupConfig        `mapstructure:"setup" yaml:"setup"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
}

// ConnectivityConfig configures the end-to-end connectivity probe.
type ConnectivityConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries int           `mapstructure:"retries" yaml:"retries"`
}

// PortForwardConfig configures the port assignment API.
type PortForwardConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// TransmissionConfig locates the Transmission RPC endpoint.
type TransmissionConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// CredentialsConfig controls where the VPN password is kept.
type CredentialsConfig struct {
	// Keyring mirrors the password into the system keyring.
	Keyring bool `mapstructure:"keyring" yaml:"keyring"`
}

// SetupConfig lists the vendor downloads used by the setup command.
type SetupConfig struct {
	BundleURL string `mapstructure:"bundle_url" yaml:"bundle_url"`
	CommonURL string `mapstructure:"common_url" yaml:"common_url"`
	UpURL     string `mapstructure:"up_url" yaml:"up_url"`
	DownURL   string `mapstructure:"down_url" yaml:"down_url"`
}

// LogConfig configures the optional log file.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSize    int64  `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ConfigDir:      common.DefaultPIAConfigDir,
		UnitPrefix:     common.DefaultUnitPrefix,
		LockFile:       common.DefaultLockFile,
		ConnectTimeout: common.ConnectionTimeout,
		PollInterval:   common.JournalPollInterval,
		WatchInterval:  common.WatchInterval,
		Connectivity: ConnectivityConfig{
			URL:     common.DefaultConnectivityURL,
			Timeout: common.ConnectivityTimeout,
			Retries: common.ConnectivityRetries,
		},
		PortForward: PortForwardConfig{
			URL: common.DefaultPortForwardURL,
		},
		Transmission: TransmissionConfig{
			Host: common.DefaultTransmissionHost,
			Port: common.DefaultTransmissionPort,
		},
		Setup: SetupConfig{
			BundleURL: common.DefaultBundleURL,
			CommonURL: common.DefaultCommonURL,
			UpURL:     common.DefaultUpScriptURL,
			DownURL:   common.DefaultDownScriptURL,
		},
		Log: LogConfig{
			MaxSize:    5 * 1024 * 1024,
			MaxBackups: 5,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("config_dir", d.ConfigDir)
	v.SetDefault("unit_prefix", d.UnitPrefix)
	v.SetDefault("lock_file", d.LockFile)
	v.SetDefault("connect_timeout", d.ConnectTimeout)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("watch_interval", d.WatchInterval)
	v.SetDefault("connectivity.url", d.Connectivity.URL)
	v.SetDefault("connectivity.timeout", d.Connectivity.Timeout)
	v.SetDefault("connectivity.retries", d.Connectivity.Retries)
	v.SetDefault("port_forward.url", d.PortForward.URL)
	v.SetDefault("transmission.host", d.Transmission.Host)
	v.SetDefault("transmission.port", d.Transmission.Port)
	v.SetDefault("transmission.username", "")
	v.SetDefault("transmission.password", "")
	v.SetDefault("credentials.keyring", d.Credentials.Keyring)
	v.SetDefault("setup.bundle_url", d.Setup.BundleURL)
	v.SetDefault("setup.common_url", d.Setup.CommonURL)
	v.SetDefault("setup.up_url", d.Setup.UpURL)
	v.SetDefault("setup.down_url", d.Setup.DownURL)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}

// Load loads the configuration.
// An empty path looks for the default config file and silently falls back
// to defaults when it is absent. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(filepath.Base(common.DefaultConfigFile), filepath.Ext(common.DefaultConfigFile)))
		v.AddConfigPath(filepath.Dir(common.DefaultConfigFile))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate verifies that configuration values are usable.
func (c *Config) validate() error {
	if strings.TrimSpace(c.ConfigDir) == "" {
		return fmt.Errorf("%w: config_dir is empty", common.ErrInvalidConfig)
	}
	if c.UnitPrefix == "" || strings.ContainsAny(c.UnitPrefix, "@/ ") {
		return fmt.Errorf("%w: unit_prefix %q", common.ErrInvalidConfig, c.UnitPrefix)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("%w: connect_timeout must not be negative", common.ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", common.ErrInvalidConfig)
	}
	if c.WatchInterval <= 0 {
		return fmt.Errorf("%w: watch_interval must be positive", common.ErrInvalidConfig)
	}
	if c.Connectivity.Timeout <= 0 {
		return fmt.Errorf("%w: connectivity.timeout must be positive", common.ErrInvalidConfig)
	}
	if c.Connectivity.Retries < 0 {
		return fmt.Errorf("%w: connectivity.retries must not be negative", common.ErrInvalidConfig)
	}
	if c.Transmission.Port <= 0 || c.Transmission.Port > 65535 {
		return fmt.Errorf("%w: transmission.port %d", common.ErrInvalidConfig, c.Transmission.Port)
	}

	urls := map[string]string{
		"connectivity.url": c.Connectivity.URL,
		"port_forward.url": c.PortForward.URL,
		"setup.bundle_url": c.Setup.BundleURL,
		"setup.common_url": c.Setup.CommonURL,
		"setup.up_url":     c.Setup.UpURL,
		"setup.down_url":   c.Setup.DownURL,
	}
	for key, raw := range urls {
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("%w: %s: %v", common.ErrInvalidConfig, key, err)
		}
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Path returns the path of a file inside the PIA config directory.
func (c *Config) Path(name string) string {
	return filepath.Join(c.ConfigDir, name)
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: serializing configuration: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}
