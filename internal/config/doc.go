// Package config provides configuration management for the relay.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a type-safe configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.cortex-relay/config.yaml and is created
// with defaults on first use. The file structure mirrors the Go structs
// defined in this package.
//
// # Environment Variables
//
// Values can be overridden using environment variables with the RELAY_
// prefix. Nested fields are separated by underscores.
//
// Examples:
//   - RELAY_LLM_PROVIDER=gemini
//   - RELAY_LLM_API_KEY=sk-ant-...
//   - RELAY_RELAY_MODE=multi
//   - RELAY_LOGGING_LEVEL=debug
//
// The conventional ANTHROPIC_API_KEY, GEMINI_API_KEY, DISCORD_TOKEN and
// TELEGRAM_BOT_TOKEN variables are honored when the prefixed ones are unset.
//
// # Configuration Sections
//
//   - LLM: completion provider, model, temperature and output bound
//   - Relay: conversation keying mode, window size, prompts, command prefix
//   - Reasoning: round defaults and ceiling, markers, buffer bound
//   - RAG: papers directory, search and metadata endpoints, download limits
//   - Store: data directory for relay.db
//   - Redis: optional cross-process conversation locks
//   - Discord, Telegram, WebChat: chat surfaces
//   - Server: ops endpoint for /metrics and /healthz
//   - Logging: level, file, console format
package config
