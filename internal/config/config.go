// Package config provides layered configuration loading for the relay.
// It merges struct defaults with RELAY_* environment variables, then
// validates the result.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variable names before mapping.
const EnvPrefix = "RELAY_"

// Config holds the merged runtime configuration.
type Config struct {
	Addr            string        `koanf:"addr" validate:"required,ip_port"`
	DataDir         string        `koanf:"data_dir" validate:"required,data_dir"`
	DatabaseURL     string        `koanf:"database_url" validate:"omitempty,postgres_url"`
	EncKey          string        `koanf:"enc_key"`
	KeyVersion      int           `koanf:"key_version" validate:"gte=1,lte=65535"`
	FallbackDir     string        `koanf:"fallback_dir"`
	ProxyURL        string        `koanf:"proxy_url" validate:"omitempty,url"`
	RedisAddr       string        `koanf:"redis_addr" validate:"omitempty,hostname_port"`
	NonceTTL        time.Duration `koanf:"nonce_ttl" validate:"gt=0"`
	ProbeTimeout    time.Duration `koanf:"probe_timeout" validate:"gt=0"`
	MaxBytes        ByteSize      `koanf:"max_bytes" validate:"gt=0"`
	JanitorInterval time.Duration `koanf:"janitor_interval" validate:"gt=0"`
	MetricsFlush    time.Duration `koanf:"metrics_flush" validate:"gt=0"`
	DiagToken       string        `koanf:"diag_token" validate:"omitempty,min=16"`
	MetricsToken    string        `koanf:"metrics_token" validate:"omitempty,min=16"`
	AllowedOrigins  []string      `koanf:"allowed_origins" validate:"required,dive,required"`
	LogLevel        string        `koanf:"log_level" validate:"oneof=debug info warn error"`
}

// DefaultAppConfig is the lowest-precedence layer.
var DefaultAppConfig = Config{
	Addr:            ":8190",
	DataDir:         "data",
	KeyVersion:      1,
	NonceTTL:        180 * time.Second,
	ProbeTimeout:    12 * time.Second,
	MaxBytes:        64 << 10,
	JanitorInterval: time.Minute,
	MetricsFlush:    5 * time.Second,
	AllowedOrigins:  []string{"*"},
	LogLevel:        "info",
}

// SQLiteFile is the database file created inside DataDir when no
// DatabaseURL is configured.
const SQLiteFile = "ssidrelay.db"

// SQLitePath returns the default SQLite database location.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, SQLiteFile)
}

// UsePostgres reports whether an external PostgreSQL database is configured.
func (c *Config) UsePostgres() bool { return c.DatabaseURL != "" }

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
}

var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil)
}

var registerValidators = func(v *validator.Validate) error {
	for tag, fn := range map[string]validator.Func{
		"ip_port":      validIPPort,
		"data_dir":     validDataDir,
		"postgres_url": validPostgresURL,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	return nil
}

// Load builds the configuration: defaults, then environment, then
// validation.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				StringToByteSize(),
				mapstructure.StringToSliceHookFunc(","),
				trimSliceHook(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	if err := crossCheck(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// crossCheck enforces rules spanning several fields.
func crossCheck(c *Config) error {
	if c.ProbeTimeout >= c.NonceTTL {
		return errors.New("probe_timeout must be less than nonce_ttl")
	}
	if c.DiagToken != "" && c.DiagToken == c.MetricsToken {
		return errors.New("diag_token and metrics_token must differ")
	}
	return nil
}

// validIPPort accepts ":port" or "ip:port" with a literal IP and a port in
// 1..65535.
func validIPPort(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || strings.TrimSpace(s) != s {
		return false
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// validDataDir rejects roots, the current directory and any path that
// climbs out of itself.
func validDataDir(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(s), "/") {
		if part == ".." {
			return false
		}
	}
	clean := path.Clean(filepath.ToSlash(s))
	return clean != "." && clean != "/"
}

func validPostgresURL(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://")
}
