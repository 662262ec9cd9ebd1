package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mr-carleone/server-for-nats/errors"
)

// DefaultEnvPrefix prefixes every environment override, e.g. WSBRIDGE_NATS_URL.
const DefaultEnvPrefix = "WSBRIDGE"

// Loader builds a Config from defaults, file layers and environment overrides,
// in that order.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment variable prefix.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.loadFile(path, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Load is a shortcut for a loader with one optional file layer.
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	return l.Load()
}

// loadFile decodes a YAML (or JSON) file onto cfg. Keys absent from the file
// keep their current values; unknown keys are rejected.
func (l *Loader) loadFile(path string, cfg *Config) error {
	data, err := safeReadFile(path)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return fmt.Errorf("parse: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	p := l.envPrefix + "_"

	strs := map[string]*string{
		"HTTP_ADDR":     &cfg.HTTP.Addr,
		"NATS_URL":      &cfg.NATS.URL,
		"NATS_NAME":     &cfg.NATS.Name,
		"NATS_USERNAME": &cfg.NATS.Username,
		"NATS_PASSWORD": &cfg.NATS.Password,
		"NATS_TOKEN":    &cfg.NATS.Token,
		"NATS_STREAM":   &cfg.NATS.Stream,
		"NATS_SUBJECT":  &cfg.NATS.Subject,
		"NATS_STORAGE":  &cfg.NATS.Storage,

		"HTTP_TLS_CERT_FILE": &cfg.HTTP.TLS.CertFile,
		"HTTP_TLS_KEY_FILE":  &cfg.HTTP.TLS.KeyFile,
		"NATS_TLS_CERT_FILE": &cfg.NATS.TLS.CertFile,
		"NATS_TLS_KEY_FILE":  &cfg.NATS.TLS.KeyFile,
	}
	for key, dst := range strs {
		val, err := lookupEnv(p + key)
		if err != nil {
			return err
		}
		if val != "" {
			*dst = val
		}
	}

	val, err := lookupEnv(p + "HTTP_ALLOWED_ORIGINS")
	if err != nil {
		return err
	}
	if val != "" {
		cfg.HTTP.AllowedOrigins = splitList(val)
	}

	val, err = lookupEnv(p + "NATS_TLS_CA_FILES")
	if err != nil {
		return err
	}
	if val != "" {
		cfg.NATS.TLS.CAFiles = splitList(val)
	}

	bools := map[string]*bool{
		"HTTP_TLS_ENABLED": &cfg.HTTP.TLS.Enabled,
		"NATS_TLS_ENABLED": &cfg.NATS.TLS.Enabled,
	}
	for key, dst := range bools {
		if err := overrideWith(p+key, dst, strconv.ParseBool); err != nil {
			return err
		}
	}

	ints := map[string]*int{
		"HTTP_SEND_BURST":       &cfg.HTTP.SendBurst,
		"LISTENER_MAX_ATTEMPTS": &cfg.Listener.MaxAttempts,
	}
	for key, dst := range ints {
		if err := overrideWith(p+key, dst, strconv.Atoi); err != nil {
			return err
		}
	}

	int64s := map[string]*int64{
		"HTTP_MAX_REQUEST_BYTES": &cfg.HTTP.MaxRequestBytes,
		"WEBSOCKET_READ_LIMIT":   &cfg.WebSocket.ReadLimit,
	}
	for key, dst := range int64s {
		if err := overrideWith(p+key, dst, func(s string) (int64, error) {
			return strconv.ParseInt(s, 10, 64)
		}); err != nil {
			return err
		}
	}

	if err := overrideWith(p+"HTTP_SEND_RATE_LIMIT", &cfg.HTTP.SendRateLimit, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	}); err != nil {
		return err
	}

	durations := map[string]*Duration{
		"HTTP_REQUEST_TIMEOUT":     &cfg.HTTP.RequestTimeout,
		"NATS_CONNECT_TIMEOUT":     &cfg.NATS.ConnectTimeout,
		"LISTENER_INITIAL_DELAY":   &cfg.Listener.InitialDelay,
		"LISTENER_MAX_DELAY":       &cfg.Listener.MaxDelay,
		"WEBSOCKET_WRITE_TIMEOUT":  &cfg.WebSocket.WriteTimeout,
		"WEBSOCKET_PING_INTERVAL":  &cfg.WebSocket.PingInterval,
		"HTTP_READ_HEADER_TIMEOUT": &cfg.HTTP.ReadHeaderTimeout,
	}
	for key, dst := range durations {
		if err := overrideWith(p+key, dst, func(s string) (Duration, error) {
			d, err := parseDurationWithDays(s)
			return Duration(d), err
		}); err != nil {
			return err
		}
	}

	return nil
}

func overrideWith[T any](key string, dst *T, parse func(string) (T, error)) error {
	val, err := lookupEnv(key)
	if err != nil || val == "" {
		return err
	}
	parsed, err := parse(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func lookupEnv(key string) (string, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if err := validateEnvVar(key, val); err != nil {
		return "", err
	}
	return val, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
