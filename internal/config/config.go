// Package config loads the bridge configuration from an optional YAML file,
// an optional .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// FailurePolicy decides what happens when the oracle cannot be reached.
type FailurePolicy string

const (
	// FailFatal terminates the process through atexit.
	FailFatal FailurePolicy = "fatal"
	// FailError returns the query default together with an error.
	FailError FailurePolicy = "error"
)

// Deployment defaults.
const (
	DefaultOraclePort              = 8103
	DefaultLocalPort               = 8103
	DefaultReceiveTimeout          = 120 * time.Second
	DefaultMaxConfirmationAttempts = 64
	DefaultLogPath                 = "sionna_log.csv"
	DefaultServerAddress           = "127.0.0.1"
)

// LogConfig controls the measurement log sinks.
type LogConfig struct {
	Disabled   bool   `yaml:"disabled"`
	Path       string `yaml:"path"`
	SQLitePath string `yaml:"sqlite_path"`
}

// MetricsConfig controls the optional debug HTTP server.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the bridge configuration. It is read once during setup and
// treated as immutable afterwards.
type Config struct {
	Enabled       bool       `yaml:"enabled"`
	Verbose       bool       `yaml:"verbose"`
	Mode          model.Mode `yaml:"mode"`
	ServerAddress string     `yaml:"server_address"`

	OraclePort     int           `yaml:"oracle_port"`
	LocalPort      int           `yaml:"local_port"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	// MaxConfirmationAttempts bounds how many non-matching replies a
	// location update discards before giving up.
	MaxConfirmationAttempts int `yaml:"max_confirmation_attempts"`

	FailurePolicy  FailurePolicy `yaml:"failure_policy"`
	MeasureLOS     bool          `yaml:"measure_los"`
	RegisterAtExit bool          `yaml:"register_atexit"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Defaults returns the configuration used when nothing is specified. The
// bridge starts disabled.
func Defaults() Config {
	return Config{
		Mode:                    model.ModeLocal,
		ServerAddress:           DefaultServerAddress,
		OraclePort:              DefaultOraclePort,
		LocalPort:               DefaultLocalPort,
		ReceiveTimeout:          DefaultReceiveTimeout,
		MaxConfirmationAttempts: DefaultMaxConfirmationAttempts,
		FailurePolicy:           FailError,
		Log: LogConfig{
			Path: DefaultLogPath,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file next to the working directory if present, and
// the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := LoadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	cfg, err := FromEnv(cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FromEnv overlays ORACLE_* environment variables on base.
func FromEnv(base Config) (Config, error) {
	cfg := base
	var errs []error

	lookupBool := func(key string, dst *bool) {
		if raw, ok := os.LookupEnv(key); ok && raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = v
		}
	}
	lookupInt := func(key string, dst *int) {
		if raw, ok := os.LookupEnv(key); ok && raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = v
		}
	}
	lookupString := func(key string, dst *string) {
		if raw, ok := os.LookupEnv(key); ok && raw != "" {
			*dst = raw
		}
	}

	lookupBool("ORACLE_ENABLED", &cfg.Enabled)
	lookupBool("ORACLE_VERBOSE", &cfg.Verbose)
	if raw := os.Getenv("ORACLE_MODE"); raw != "" {
		mode, err := model.ParseMode(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("ORACLE_MODE: %w", err))
		} else {
			cfg.Mode = mode
		}
	}
	lookupString("ORACLE_SERVER_ADDRESS", &cfg.ServerAddress)
	lookupInt("ORACLE_PORT", &cfg.OraclePort)
	lookupInt("ORACLE_LOCAL_PORT", &cfg.LocalPort)
	if raw := os.Getenv("ORACLE_RECEIVE_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("ORACLE_RECEIVE_TIMEOUT: %w", err))
		} else {
			cfg.ReceiveTimeout = d
		}
	}
	lookupInt("ORACLE_MAX_CONFIRMATION_ATTEMPTS", &cfg.MaxConfirmationAttempts)
	if raw := os.Getenv("ORACLE_FAILURE_POLICY"); raw != "" {
		cfg.FailurePolicy = FailurePolicy(strings.ToLower(raw))
	}
	lookupBool("ORACLE_MEASURE_LOS", &cfg.MeasureLOS)
	lookupBool("ORACLE_REGISTER_ATEXIT", &cfg.RegisterAtExit)
	lookupString("ORACLE_LOG_PATH", &cfg.Log.Path)
	lookupString("ORACLE_LOG_SQLITE_PATH", &cfg.Log.SQLitePath)
	lookupBool("ORACLE_LOG_DISABLED", &cfg.Log.Disabled)
	lookupString("ORACLE_METRICS_ADDR", &cfg.Metrics.Addr)

	if len(errs) > 0 {
		return base, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return cfg, nil
}

// Validate checks field ranges. A disabled config is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Mode == model.ModeRemote && strings.TrimSpace(c.ServerAddress) == "" {
		return fmt.Errorf("%w: server_address is required in remote mode", ErrInvalidConfig)
	}
	if c.OraclePort <= 0 || c.OraclePort > 65535 {
		return fmt.Errorf("%w: oracle_port %d out of range", ErrInvalidConfig, c.OraclePort)
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return fmt.Errorf("%w: local_port %d out of range", ErrInvalidConfig, c.LocalPort)
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("%w: receive_timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxConfirmationAttempts <= 0 {
		return fmt.Errorf("%w: max_confirmation_attempts must be positive", ErrInvalidConfig)
	}
	switch c.FailurePolicy {
	case FailFatal, FailError:
	default:
		return fmt.Errorf("%w: unknown failure_policy %q", ErrInvalidConfig, c.FailurePolicy)
	}
	return nil
}

// OracleAddr returns the oracle's host:port. ServerAddress may carry its own
// port; otherwise OraclePort is used. Local mode always targets loopback.
func (c Config) OracleAddr() string {
	if c.Mode == model.ModeLocal {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.OraclePort))
	}
	if host, port, err := net.SplitHostPort(c.ServerAddress); err == nil {
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(c.ServerAddress, strconv.Itoa(c.OraclePort))
}
