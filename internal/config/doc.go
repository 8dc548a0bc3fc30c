// Package config handles configuration loading for parley-server.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible in-memory defaults, so the
// server runs without any file at all.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	broker:
//	  fanout_timeout: "5s"
//	  destroy_grace: "10s"
//	  shutdown_grace: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Storage backend:
//
//	storage:
//	  backend: "sqlite"            # memory or sqlite
//	  path: "/var/lib/parley"      # sqlite database directory
//
// Workspaces:
//
//	workspace:
//	  root: "/var/lib/parley/workspaces"
//
// Agent presets:
//
//	agents:
//	  presets_path: "/etc/parley/presets.toml"
//	  default_preset: "default"
//
// Firehose client behavior:
//
//	firehose:
//	  retries: 5
//	  backoff: "1s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
