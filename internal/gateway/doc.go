// Package gateway wires the booking bridge together and runs it.
//
// # Components
//
// A Gateway owns:
//
//   - the thread map (store.Store, SQLite by default)
//   - the booking client and tool dispatcher
//   - the assistant orchestrator
//   - the Slack Events API handler, when a bot token is configured
//   - the Matrix bridge, when matrix.enabled is set
//   - the Prometheus collectors, when metrics.enabled is set
//
// NewWithOptions accepts replacements for each external dependency so the
// full HTTP stack can be exercised against fakes.
//
// # HTTP Routes
//
//	POST /slack/events   signed Slack callbacks
//	GET  /health         liveness, always "OK"
//	GET  /ready          thread map reachable, reports the thread count
//	GET  /metrics        Prometheus exposition (path configurable)
//
// # Listeners
//
// The server listens on server.http_addr, or on a Tailscale node when
// tailscale.enabled is set. With tailscale.funnel the node serves public
// HTTPS on :443, which gives Slack a reachable Request URL without any
// other ingress.
//
// # Shutdown
//
// Run returns when its context is canceled or a server fails. Shutdown
// stops the HTTP server, cancels in-flight conversations and waits for
// them, closes the Tailscale node, then closes the store.
package gateway
