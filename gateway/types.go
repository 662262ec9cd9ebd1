package gateway

import (
	"fmt"
	"net/url"
	"time"

	"github.com/mr-carleone/server-for-nats/errors"
)

// Config holds configuration for the HTTP and duplex surface.
type Config struct {
	// AllowedOrigins lists origins allowed for CORS and duplex upgrades.
	// "*" allows any origin and should be limited to development.
	AllowedOrigins []string

	// MaxRequestBytes limits the POST /send body (default: 1MB).
	MaxRequestBytes int64

	// SendRateLimit is the sustained POST /send rate in requests per second.
	// Zero disables rate limiting.
	SendRateLimit float64
	SendBurst     int

	// Stream and Subject are the durable stream and the subject bound to it.
	Stream  string
	Subject string

	// RequestTimeout bounds the broker round trip of one HTTP request.
	RequestTimeout time.Duration

	// WriteTimeout bounds a single duplex frame write.
	WriteTimeout time.Duration
	// ReadLimit is the largest duplex frame accepted, in bytes.
	ReadLimit int64
	// PingInterval is how often idle duplex connections are pinged.
	// Zero disables keepalive pings.
	PingInterval time.Duration
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:  []string{"http://localhost:5173"},
		MaxRequestBytes: 1024 * 1024,
		Stream:          "MY_STREAM",
		Subject:         "my_subject",
		RequestTimeout:  5 * time.Second,
		WriteTimeout:    10 * time.Second,
		ReadLimit:       1024 * 1024,
		PingInterval:    30 * time.Second,
	}
}

// Validate ensures the gateway configuration is valid. Zero sizes and
// timeouts are replaced with their defaults.
func (c *Config) Validate() error {
	defaults := DefaultConfig()

	if c.Stream == "" || c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"stream and subject are required")
	}

	if c.MaxRequestBytes < 0 || c.ReadLimit < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"size limits cannot be negative")
	}
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = defaults.MaxRequestBytes
	}
	if c.MaxRequestBytes > 100*1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max request size cannot exceed 100MB")
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = defaults.ReadLimit
	}

	if c.SendRateLimit < 0 || c.SendBurst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"rate limit cannot be negative")
	}
	if c.SendRateLimit > 0 && c.SendBurst == 0 {
		c.SendBurst = 1
	}

	if c.RequestTimeout < 0 || c.WriteTimeout < 0 || c.PingInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeouts cannot be negative")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}

	for _, origin := range c.AllowedOrigins {
		if err := validateOrigin(origin); err != nil {
			return err
		}
	}

	return nil
}

func validateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") || (u.Path != "" && u.Path != "/") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("invalid allowed origin %q", origin))
	}
	return nil
}
