// ABOUTME: Default file locations and the starter config written by init
// ABOUTME: Follows the XDG base directory layout

package config

import (
	"os"
	"path/filepath"
)

const appName = "booking-bridge"

// DefaultPath returns the config file location: $BOOKING_BRIDGE_CONFIG if
// set, else config.yaml under the XDG config directory.
func DefaultPath() string {
	if p := os.Getenv("BOOKING_BRIDGE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appName, "config.yaml")
}

// DefaultDataDir returns the XDG data directory for the bridge.
func DefaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), appName)
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, fallback)
}

// Template is the starter configuration written by the init command.
// The database path placeholder is filled in by the caller.
const Template = `# booking-bridge configuration
# Values of the form ${VAR} are read from the environment.

server:
  http_addr: "0.0.0.0:8000"

database:
  path: "%s"

slack:
  bot_token: "${SLACK_BOT_TOKEN}"
  signing_secret: "${SLACK_SIGNING_SECRET}"

assistant:
  api_key: "${OPENAI_API_KEY}"
  assistant_id: "${ASSISTANT_ID}"
  model: "gpt-4-1106-preview"
  poll_interval: "1s"
  run_timeout: "2m"

booking:
  sheet_url: "${GOOGLE_SHEET_URL}"
  webhook_url: "${GOOGLE_SHEET_WEBHOOK_URL}"
  timeout: "15s"
  max_retries: 0

gateway:
  max_concurrent: 16
  dedupe_ttl: "10m"

matrix:
  enabled: false
  homeserver: "https://matrix.org"
  user_id: "@bookings:matrix.org"
  access_token: "${MATRIX_ACCESS_TOKEN}"
  allowed_rooms: []
  command_prefix: "!book"
  typing_indicator: true

tailscale:
  enabled: false
  hostname: "booking-bridge"
  funnel: true

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`
