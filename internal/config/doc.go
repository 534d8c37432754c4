// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by extension) with
// environment variable expansion. Values missing from the file keep Default().
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHAT_CONFIG environment variable
//  2. ~/.config/coven/chat.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  grpc_addr: "127.0.0.1:50051"   # gRPC health, optional
//
//	quota:
//	  window: "24h"
//	  default_tier: "regular"
//	  tiers:
//	    guest: 20
//	    regular: 100
//
//	stream:
//	  enabled: true
//	  backend: "badger"              # memory, badger
//	  path: "/var/lib/coven/streams"
//	  retention: "10m"
//	  idle_timeout: "2m"
//
//	model:
//	  base_url: "https://api.openai.com/v1"
//	  api_key: "${OPENAI_API_KEY}"
//	  default_model: "gpt-4o-mini"
//	  title_model: "gpt-4o-mini"
//	  reasoning_budget: 10000
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
//	  file: ""         # extra JSON log file
//
// Durations use time.ParseDuration syntax.
package config
