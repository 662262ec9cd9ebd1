package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/mr-carleone/server-for-nats/errors"
	"github.com/mr-carleone/server-for-nats/pkg/security"
)

// Storage backends for the durable stream
const (
	StorageFile   = "file"
	StorageMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	NATS      NATSConfig      `yaml:"nats"`
	Listener  ListenerConfig  `yaml:"listener"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// HTTPConfig configures the HTTP listener and its request handling
type HTTPConfig struct {
	Addr              string   `yaml:"addr"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	MaxRequestBytes   int64    `yaml:"max_request_bytes"`
	SendRateLimit     float64  `yaml:"send_rate_limit"` // requests/second, 0 disables
	SendBurst         int      `yaml:"send_burst"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`

	TLS security.ServerTLSConfig `yaml:"tls"`
}

// NATSConfig configures the broker connection and the durable stream
type NATSConfig struct {
	URL            string   `yaml:"url"`
	Name           string   `yaml:"name"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	Stream         string   `yaml:"stream"`
	Subject        string   `yaml:"subject"`
	Storage        string   `yaml:"storage"`

	TLS security.ClientTLSConfig `yaml:"tls"`
}

// ListenerConfig bounds the bridge listener's subscription retries.
// MaxAttempts 1 disables retrying.
type ListenerConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
}

// WebSocketConfig configures duplex connections
type WebSocketConfig struct {
	WriteTimeout Duration `yaml:"write_timeout"`
	ReadLimit    int64    `yaml:"read_limit"`
	PingInterval Duration `yaml:"ping_interval"` // 0 disables pings
}

// Default returns the configuration used when no file or environment
// override sets a value.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:              ":8000",
			AllowedOrigins:    []string{"http://localhost:5173"},
			MaxRequestBytes:   1 << 20,
			RequestTimeout:    Duration(5 * time.Second),
			ReadHeaderTimeout: Duration(10 * time.Second),
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "wsbridge",
			ConnectTimeout: Duration(5 * time.Second),
			Stream:         "MY_STREAM",
			Subject:        "my_subject",
			Storage:        StorageFile,
		},
		Listener: ListenerConfig{
			MaxAttempts:  5,
			InitialDelay: Duration(500 * time.Millisecond),
			MaxDelay:     Duration(10 * time.Second),
		},
		WebSocket: WebSocketConfig{
			WriteTimeout: Duration(10 * time.Second),
			ReadLimit:    1 << 20,
			PingInterval: Duration(30 * time.Second),
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return invalid("http.addr is required")
	}
	for _, origin := range c.HTTP.AllowedOrigins {
		if !validOrigin(origin) {
			return invalid(fmt.Sprintf("http.allowed_origins: %q is not an http(s) origin", origin))
		}
	}
	if c.HTTP.MaxRequestBytes <= 0 {
		return invalid("http.max_request_bytes must be positive")
	}
	if c.HTTP.SendRateLimit < 0 || c.HTTP.SendBurst < 0 {
		return invalid("http.send_rate_limit and http.send_burst cannot be negative")
	}
	if c.HTTP.RequestTimeout <= 0 || c.HTTP.ReadHeaderTimeout <= 0 {
		return invalid("http timeouts must be positive")
	}
	if tls := c.HTTP.TLS; tls.Enabled && (tls.CertFile == "" || tls.KeyFile == "") {
		return invalid("http.tls requires cert_file and key_file when enabled")
	}
	if !security.ValidMinVersion(c.HTTP.TLS.MinVersion) {
		return invalid(fmt.Sprintf("http.tls.min_version %q must be 1.2 or 1.3", c.HTTP.TLS.MinVersion))
	}

	if err := c.validateNATS(); err != nil {
		return err
	}

	if c.Listener.MaxAttempts < 1 {
		return invalid("listener.max_attempts must be at least 1")
	}
	if c.Listener.InitialDelay <= 0 || c.Listener.MaxDelay < c.Listener.InitialDelay {
		return invalid("listener delays must be positive with max_delay >= initial_delay")
	}

	if c.WebSocket.WriteTimeout <= 0 {
		return invalid("websocket.write_timeout must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return invalid("websocket.read_limit must be positive")
	}
	if c.WebSocket.PingInterval < 0 {
		return invalid("websocket.ping_interval cannot be negative")
	}

	return nil
}

func (c *Config) validateNATS() error {
	u, err := url.Parse(c.NATS.URL)
	if err != nil || u.Host == "" || (u.Scheme != "nats" && u.Scheme != "tls") {
		return invalid("nats.url must be nats://host:port or tls://host:port")
	}
	if (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return invalid("nats.tls cert_file and key_file must be set together")
	}
	if !security.ValidMinVersion(c.NATS.TLS.MinVersion) {
		return invalid(fmt.Sprintf("nats.tls.min_version %q must be 1.2 or 1.3", c.NATS.TLS.MinVersion))
	}
	if c.NATS.ConnectTimeout <= 0 {
		return invalid("nats.connect_timeout must be positive")
	}
	if !isValidStreamName(c.NATS.Stream) {
		return invalid(fmt.Sprintf("nats.stream %q is not a valid stream name", c.NATS.Stream))
	}
	if !isValidSubject(c.NATS.Subject) {
		return invalid(fmt.Sprintf("nats.subject %q must be a literal subject without wildcards", c.NATS.Subject))
	}
	switch c.NATS.Storage {
	case StorageFile, StorageMemory:
	default:
		return invalid(fmt.Sprintf("nats.storage %q must be %q or %q", c.NATS.Storage, StorageFile, StorageMemory))
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}

func validOrigin(origin string) bool {
	if origin == "*" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https") &&
		(u.Path == "" || u.Path == "/")
}

// isValidStreamName rejects names JetStream refuses: empty, or containing
// whitespace, dots, wildcards or path separators.
func isValidStreamName(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(".*>/\\", r)
	})
}

// isValidSubject checks that s is a literal NATS subject: non-empty tokens
// separated by dots, no wildcards and no whitespace.
func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" || token == "*" || token == ">" {
			return false
		}
		if strings.ContainsFunc(token, unicode.IsSpace) {
			return false
		}
	}
	return true
}

// String returns a YAML representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	for _, secret := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *secret != "" {
			*secret = "[REDACTED]"
		}
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
