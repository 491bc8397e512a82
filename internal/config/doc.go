// Package config handles configuration loading for coven-coordinator.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by the .toml
// extension) with environment variable expansion, then defaults are applied
// and the result is validated.
//
// # Configuration File
//
// The CLI looks for the file in order:
//
//  1. Path from COVEN_COORDINATOR_CONFIG environment variable
//  2. ~/.config/coven/coordinator.yaml
//
// COVEN_DB_PATH overrides database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${STATE_DIR}/coordinator.db"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	coordinator:
//	  delivery_timeout: "30s"
//	  persist_timeout: "5s"
//	  step_timeout: "30s"
//	  consensus_timeout: "60s"
//	  dedupe_ttl: "5m"
//	  dedupe_max_size: 10000
//
// # Configuration Sections
//
// Health sweep, published over grpc.health.v1 when grpc_addr is set:
//
//	health:
//	  grpc_addr: "127.0.0.1:50052"
//	  interval: "30s"     # 0 disables the periodic sweep
//	  timeout: "5s"
//	  cache_ttl: "10s"
//
// Built-in agents started by serve and demo:
//
//	agents:
//	  - id: "echo"
//	    type: "echo"
//	  - id: "judge"
//	    type: "voter"
//	    vote: "approve"
//	    confidence: 0.9
//	  - id: "broken"
//	    type: "failing"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
