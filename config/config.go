package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is stripped from environment variables, e.g. MCAUTH_AUTH__CLIENT_ID → auth.client_id.
const EnvPrefix = "MCAUTH_"

// Duration accepts Go duration strings such as "5m".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if nil != err {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	LogLevel  string        `yaml:"log_level"  validate:"oneof=trace debug info warn error"`
	LogFormat string        `yaml:"log_format" validate:"oneof=pretty json"`
	DataDir   string        `yaml:"data_dir"   validate:"required"`
	Auth      AuthConfig    `yaml:"auth"`
	Storage   StorageConfig `yaml:"storage"`
}

type AuthConfig struct {
	ClientID       string      `yaml:"client_id"       validate:"required"`
	Scope          string      `yaml:"scope"           validate:"required"`
	Flow           string      `yaml:"flow"            validate:"oneof=device redirect"`
	RefreshMargin  Duration    `yaml:"refresh_margin"  validate:"gte=0"`
	RequestTimeout Duration    `yaml:"request_timeout" validate:"gte=0"`
	Retry          RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"     validate:"gte=1,lte=10"`
	InitialInterval Duration `yaml:"initial_interval" validate:"gte=0"`
	MaxInterval     Duration `yaml:"max_interval"     validate:"gte=0"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"      validate:"oneof=sqlite file keyring"`
	Path        string `yaml:"path"`
	KeyringUser string `yaml:"keyring_user"`
}

// FromFile loads the file at filePath, overlaid with MCAUTH_ environment variables. An
// empty filePath loads only the environment.
func FromFile(filePath string) (*Config, error) {
	var provider koanf.Provider
	if filePath != "" {
		provider = file.Provider(filePath)
	}
	cfg, err := load(provider, os.Environ)
	if nil != err {
		return nil, fmt.Errorf("failed to load config file %q: %v", filePath, err)
	}
	return cfg, nil
}

func FromString(data string) (*Config, error) {
	cfg, err := load(rawbytes.Provider([]byte(data)), os.Environ)
	if nil != err {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	return cfg, nil
}

func load(provider koanf.Provider, environ func() []string) (*Config, error) {
	k := koanf.New(".")
	if nil != provider {
		if err := k.Load(provider, koanfyaml.Parser()); nil != err {
			return nil, fmt.Errorf("failed to parse config: %v", err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			stripped := strings.TrimPrefix(key, EnvPrefix)
			return strings.ToLower(strings.ReplaceAll(stripped, "__", ".")), value
		},
		EnvironFunc: environ,
	})
	if err := k.Load(envProvider, nil); nil != err {
		return nil, fmt.Errorf("failed to load environment variables: %v", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); nil != err { //nolint:exhaustruct
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}
	if err := cfg.ApplyDefaults(); nil != err {
		return nil, fmt.Errorf("failed to apply defaults: %v", err)
	}
	if err := cfg.validate(); nil != err {
		return nil, fmt.Errorf("validation failed: %v", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (cfg *Config) ApplyDefaults() error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "pretty"
	}
	if cfg.DataDir == "" {
		dir, err := os.UserConfigDir()
		if nil != err {
			return fmt.Errorf("data_dir required (auto-detect failed: %v)", err)
		}
		cfg.DataDir = filepath.Join(dir, "mcauth")
	}

	if cfg.Auth.Scope == "" {
		cfg.Auth.Scope = DefaultScope
	}
	if cfg.Auth.Flow == "" {
		cfg.Auth.Flow = "device"
	}
	if cfg.Auth.RefreshMargin == 0 {
		cfg.Auth.RefreshMargin = Duration(DefaultRefreshMargin)
	}
	if cfg.Auth.RequestTimeout == 0 {
		cfg.Auth.RequestTimeout = Duration(IdentityRequestTimeout)
	}
	if cfg.Auth.Retry.MaxAttempts == 0 {
		cfg.Auth.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if cfg.Auth.Retry.InitialInterval == 0 {
		cfg.Auth.Retry.InitialInterval = Duration(DefaultRetryInitialInterval)
	}
	if cfg.Auth.Retry.MaxInterval == 0 {
		cfg.Auth.Retry.MaxInterval = Duration(DefaultRetryMaxInterval)
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	switch cfg.Storage.Backend {
	case "sqlite":
		if cfg.Storage.Path == "" {
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "accounts.db")
		}
	case "file":
		if cfg.Storage.Path == "" {
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "accounts.json")
		}
	case "keyring":
		if cfg.Storage.KeyringUser == "" {
			u, err := user.Current()
			if nil != err {
				return fmt.Errorf("storage.keyring_user required (auto-detect failed: %v)", err)
			}
			cfg.Storage.KeyringUser = u.Username
		}
	}
	return nil
}

func (cfg *Config) validate() error {
	if err := validator.New().Struct(cfg); nil != err {
		return err
	}
	if cfg.Auth.Retry.MaxInterval < cfg.Auth.Retry.InitialInterval {
		return errors.New("auth.retry.max_interval must not be less than auth.retry.initial_interval")
	}
	return nil
}

// YAML renders the effective configuration.
func (cfg *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); nil != err {
		return nil, fmt.Errorf("failed to encode config: %v", err)
	}
	if err := enc.Close(); nil != err {
		return nil, fmt.Errorf("failed to encode config: %v", err)
	}
	return buf.Bytes(), nil
}
