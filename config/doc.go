// Package config loads the bridge configuration.
//
// Values are resolved in layers: built-in defaults, then each YAML (or JSON)
// file added with AddLayer, then WSBRIDGE_* environment variables. The result
// is validated before it is returned.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/wsbridge.yaml")
//	cfg, err := loader.Load()
//
// A minimal file:
//
//	http:
//	  addr: ":8000"
//	  allowed_origins: ["http://localhost:5173"]
//	nats:
//	  url: nats://localhost:4222
//	  stream: MY_STREAM
//	  subject: my_subject
//	listener:
//	  max_attempts: 5
//
// Durations accept Go duration strings ("250ms", "5s"), a day suffix ("7d")
// or a bare number of seconds. Unknown keys are rejected.
//
// Environment overrides use the upper-cased key path, for example
// WSBRIDGE_NATS_URL, WSBRIDGE_HTTP_ALLOWED_ORIGINS (comma separated) or
// WSBRIDGE_LISTENER_MAX_ATTEMPTS.
package config
