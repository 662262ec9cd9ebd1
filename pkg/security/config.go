// Package security provides TLS configuration types shared by the HTTP
// listener and the broker sessions.
package security

// ServerTLSConfig holds TLS configuration for the HTTP and WebSocket listener
type ServerTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	MinVersion string `yaml:"min_version,omitempty"` // "1.2" or "1.3"
}

// ClientTLSConfig holds TLS configuration for broker sessions.
// The system CA bundle is always trusted; CAFiles are additional CAs.
// CertFile and KeyFile, when set, present a client certificate (mTLS).
type ClientTLSConfig struct {
	Enabled            bool     `yaml:"enabled"`
	CAFiles            []string `yaml:"ca_files,omitempty"`
	CertFile           string   `yaml:"cert_file,omitempty"`
	KeyFile            string   `yaml:"key_file,omitempty"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `yaml:"min_version,omitempty"`
}

// ValidMinVersion reports whether v is an accepted min_version value.
func ValidMinVersion(v string) bool {
	return v == "" || v == "1.2" || v == "1.3"
}
