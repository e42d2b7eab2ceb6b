// Package config handles configuration loading for pairline.
//
// # Overview
//
// Configuration is a YAML file (or TOML when the file ends in .toml).
// ${VAR} references are replaced with environment variables before parsing,
// so secrets can stay out of the file. Durations are written as Go duration
// strings ("2s", "10m") and parsed after decoding. Unset fields get defaults
// from ApplyDefaults and the result is checked by Validate.
//
// The file is found through ResolvePath: the --config flag, then
// $PAIRLINE_CONFIG, then $XDG_CONFIG_HOME/pairline/config.yaml.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"
//
//	database:
//	  driver: "sqlite"
//	  path: "/var/lib/pairline/pairline.db"
//
//	auth:
//	  jwt_secret: "${PAIRLINE_JWT_SECRET}"
//
//	gateway:
//	  base_url: "http://evolution:8080"
//	  api_key: "${GATEWAY_API_KEY}"
//	  timeout: "10s"
//	  qr_ttl: "60s"
//
//	webhook:
//	  public_url: "https://pairline.example.com/webhooks"
//	  channels:
//	    whatsapp:
//	      token: "${WEBHOOK_TOKEN}"
//
//	rateguard:
//	  poll_floor: "2s"
//	  poll_ceiling: "1m"
//	  max_sessions_per_org: 10
//
//	stream:
//	  idle_timeout: "10m"
//	  max_failures: 3
//
//	lifecycle:
//	  auto_reinitialize: false
//
//	reconcile:
//	  schedule: "@every 15m"
//	  orphan_policy: "mark_deleted"
//	  stale_after: "15m"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
