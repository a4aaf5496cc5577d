// Package config handles configuration loading for myagentive.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	bot:
//	  token: "${MYAGENTIVE_BOT_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	bot:
//	  response_timeout: "5m"
//	  edit_interval: "1500ms"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # WebSocket and file serving
//
// Database:
//
//	database:
//	  path: "/var/lib/myagentive/myagentive.db"
//
// Engine:
//
//	engine:
//	  command: "claude"
//	  system_prompt: "You are a helpful assistant."
//	  allowed_tools: ["Bash", "Read", "Write"]
//	  work_dir: "/var/lib/myagentive/work"
//	  max_context_tokens: 200000
//
// Bot transport:
//
//	bot:
//	  enabled: true
//	  token: "${MYAGENTIVE_BOT_TOKEN}"
//	  reply_mode: "first"          # off, first, all
//	  response_timeout: "5m"
//	  edit_interval: "1500ms"
//	  allowed_chats: [1001, 1002]  # empty allows all
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/myagentive/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
