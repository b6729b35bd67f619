// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a TOML or YAML file, chosen by extension, with
// environment variable expansion. Keys left out of the file keep the values
// from Default.
//
// # Configuration File
//
// Lookup order (resolved by the coven-relay command):
//
//  1. --config flag
//  2. COVEN_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/relay.toml (or ~/.config/coven/relay.toml)
//
// A .env file in the working directory is loaded before the config file.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	[ai]
//	token = "${DEEPSEEK_TOKEN}"
//
// Unset variables expand to an empty string.
//
// # Environment Overrides
//
// After the file is decoded, COVEN_RELAY_* variables override single fields.
// The section picks the prefix:
//
//	COVEN_RELAY_DEBOUNCE=3s            relay.debounce
//	COVEN_RELAY_AI_TOKEN=...           ai.token
//	COVEN_RELAY_TELEGRAM_TOKEN=...     transport.telegram.token
//	COVEN_RELAY_MATRIX_PASSWORD=...    transport.matrix.password
//	COVEN_RELAY_LOG_LEVEL=debug        logging.level
//
// # Durations
//
// Durations take Go syntax ("90s", "5m") or a bare number of seconds:
//
//	[relay]
//	debounce = 5
//	inactivity = "5m"
//
// # Sections
//
//	[relay]      debounce, inactivity, allowed_identities, private_only,
//	             typing_indicator, failure_notice
//	[nudge]      phrases, question_marker, seed
//	[ai]         provider, base_url, token, system_prompt, thinking, search,
//	             max_attempts, backoff_base, request_timeout
//	[crm]        enabled, base_url, subdomain, client_id, client_secret,
//	             redirect_url, pipeline_id, lead_name, lead_price,
//	             request_timeout, statuses.{start,midle,end,error}
//	[transport]  kind, telegram.{token,poll_timeout,api_endpoint},
//	             matrix.{homeserver,user_id,access_token,device_id,username,
//	             password,recovery_key,allowed_rooms}
//	[storage]    data_dir, snapshot_path, database_path
//	[logging]    level, format, file
//
// Empty storage paths are placed under data_dir, which defaults to
// $XDG_DATA_HOME/coven-relay.
package config
