// Package config handles configuration loading for booking-bridge.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the BOOKING_BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/booking-bridge/config.yaml
//
// Files ending in .toml are read as TOML; everything else is YAML.
//
// # Environment Variables
//
// Values can reference environment variables with ${VAR_NAME}. In addition
// these variables fill their fields when the file leaves them empty:
//
//	SLACK_BOT_TOKEN           slack.bot_token
//	SLACK_SIGNING_SECRET      slack.signing_secret
//	GOOGLE_SHEET_URL          booking.sheet_url
//	GOOGLE_SHEET_WEBHOOK_URL  booking.webhook_url
//	ASSISTANT_ID              assistant.assistant_id
//	OPENAI_API_KEY            assistant.api_key
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax:
//
//	assistant:
//	  poll_interval: "1s"
//	  run_timeout: "2m"
//
// # Validation
//
// Load validates what every command needs. ValidateServe adds the checks
// for answering messages: a frontend, an assistant id, and both sheet URLs.
package config
