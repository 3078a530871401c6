// ABOUTME: Gateway wires the booking bridge together and owns the HTTP server
// ABOUTME: Manages store, assistant, Slack and Matrix frontends, metrics, and the listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/booking-bridge/internal/assistant"
	"github.com/2389/booking-bridge/internal/booking"
	"github.com/2389/booking-bridge/internal/config"
	"github.com/2389/booking-bridge/internal/matrix"
	"github.com/2389/booking-bridge/internal/metrics"
	"github.com/2389/booking-bridge/internal/slack"
	"github.com/2389/booking-bridge/internal/store"
	"github.com/2389/booking-bridge/internal/tools"
)

// SlackEventsPath is where Slack delivers Events API callbacks.
const SlackEventsPath = "/slack/events"

// shutdownTimeout bounds graceful shutdown once Run's context is done.
const shutdownTimeout = 5 * time.Second

// readyTimeout bounds the store probe behind /ready.
const readyTimeout = 2 * time.Second

// Options replaces the gateway's external dependencies. Zero fields are
// built from config.
type Options struct {
	Store     store.Store
	Assistant assistant.API
	Slack     slack.API
	Booking   tools.BookingStore
	Registry  *prometheus.Registry

	// Clock can only tighten timestamp checks; the wall clock still bounds them.
	Clock slack.Clock
}

// Gateway owns every long-lived component of the bridge.
type Gateway struct {
	config       *config.Config
	store        store.Store
	orchestrator *assistant.Orchestrator
	slack        *slack.Handler
	matrix       *matrix.Bridge
	metrics      *metrics.Collector
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
}

// initStore opens the SQLite thread map. BOOKING_BRIDGE_DB_PATH overrides the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BOOKING_BRIDGE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a gateway with real clients for every external service.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, logger, Options{})
}

// NewWithOptions creates a gateway, substituting any dependency set in opts.
func NewWithOptions(cfg *config.Config, logger *slog.Logger, opts Options) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := opts.Store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	gw := &Gateway{
		config: cfg,
		store:  s,
		logger: logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/ready", gw.handleReady)

	if cfg.Metrics.Enabled {
		reg := opts.Registry
		if reg == nil {
			reg = metrics.NewRegistry()
		}
		collector, err := metrics.New(reg)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating metrics: %w", err)
		}
		gw.metrics = collector
		mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	bookings := opts.Booking
	if bookings == nil {
		bookings = booking.NewClient(booking.Config{
			SheetURL:   cfg.Booking.SheetURL,
			WebhookURL: cfg.Booking.WebhookURL,
			Timeout:    cfg.Booking.Timeout,
			MaxRetries: cfg.Booking.MaxRetries,
		}, nil, logger)
	}
	dispatcher := tools.NewDispatcher(bookings, gw.metrics, logger)

	api := opts.Assistant
	if api == nil {
		api = assistant.NewOpenAIClient(cfg.Assistant.APIKey, cfg.Assistant.BaseURL, nil)
	}
	gw.orchestrator = assistant.New(api, s, dispatcher, assistant.Config{
		AssistantID:  cfg.Assistant.AssistantID,
		PollInterval: cfg.Assistant.PollInterval,
		RunTimeout:   cfg.Assistant.RunTimeout,
	}, gw.metrics, logger)

	if cfg.SlackEnabled() {
		slackAPI := opts.Slack
		if slackAPI == nil {
			slackAPI = slack.NewWebClient(cfg.Slack.BotToken, cfg.Slack.APIURL, nil)
		}
		gw.slack = slack.NewHandler(gw.orchestrator, slackAPI, slack.HandlerConfig{
			MaxConcurrent: cfg.Gateway.MaxConcurrent,
			DedupeTTL:     cfg.Gateway.DedupeTTL,
		}, gw.metrics, logger)
		onReject := func(string) { gw.metrics.Callback(slack.OutcomeRejected) }
		mux.Handle(SlackEventsPath, slack.VerifyMiddleware(cfg.Slack.SigningSecret, opts.Clock, logger, onReject, gw.slack))
		logger.Info("slack frontend enabled", "path", SlackEventsPath)
	}

	if cfg.Matrix.Enabled {
		bridge, err := matrix.New(matrix.Config{
			Homeserver:      cfg.Matrix.Homeserver,
			UserID:          cfg.Matrix.UserID,
			AccessToken:     cfg.Matrix.AccessToken,
			AllowedRooms:    cfg.Matrix.AllowedRooms,
			CommandPrefix:   cfg.Matrix.CommandPrefix,
			TypingIndicator: cfg.Matrix.TypingIndicator,
		}, gw.orchestrator, logger)
		if err != nil {
			gw.closeFrontends(context.Background())
			_ = s.Close()
			return nil, err
		}
		gw.matrix = bridge
		logger.Info("matrix frontend enabled", "homeserver", cfg.Matrix.Homeserver)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != config.DefaultHTTPAddr {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServers starts the HTTP server and the Matrix sync loop, returning their error channel.
func (g *Gateway) startServers(ctx context.Context, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.matrix != nil {
		go func() {
			if err := g.matrix.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run serves until ctx is canceled or a server fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startServers(runCtx, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since Run's context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "booking-bridge", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs the node address and the public events URL when known.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if url := eventsURL(dnsName, g.config.Tailscale); url != "" {
		g.logger.Info("slack request url", "url", url)
	}
}

// eventsURL is the Request URL to paste into the Slack app settings.
func eventsURL(dnsName string, tsCfg config.TailscaleConfig) string {
	if dnsName == "" {
		return ""
	}
	host := dnsName
	if host[len(host)-1] == '.' {
		host = host[:len(host)-1]
	}
	scheme := "http"
	if tsCfg.HTTPS || tsCfg.Funnel {
		scheme = "https"
	}
	return scheme + "://" + host + SlackEventsPath
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeFrontends cancels in-flight conversations and waits for them.
func (g *Gateway) closeFrontends(ctx context.Context) error {
	var err error
	if g.slack != nil {
		err = g.slack.Close(ctx)
	}
	if g.matrix != nil {
		g.matrix.Close()
	}
	return err
}

// Shutdown stops accepting callbacks, cancels in-flight work, and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "frontend shutdown", g.closeFrontends(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// pinger is implemented by stores backed by a database connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleReady returns 200 once the thread map answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if p, ok := g.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}

	n, err := g.store.CountThreads(ctx)
	if err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d threads)", n)
}
