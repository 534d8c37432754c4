// ABOUTME: Gateway orchestrator that wires the chat service and runs the HTTP and gRPC servers
// ABOUTME: Manages store, stream broker, listeners (TCP or tailnet) and graceful shutdown

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
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-chat/internal/admission"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/engine"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/stream"
	"github.com/2389/coven-chat/internal/tools"
)

// tailnetGRPCPort is where the health service listens when serving on a tailnet.
const tailnetGRPCPort = ":50051"

// Gateway serves the chat API. It owns every long-lived component.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	gate         *admission.Gate
	broker       *stream.Broker
	approvals    *dedupe.Cache
	metrics      *metrics.Metrics
	resolver     auth.Resolver

	// turns tracks generations still running, including their completion writes
	turns sync.WaitGroup

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// Deps are the collaborators New builds from configuration. Tests pass fakes.
type Deps struct {
	Store     store.Store
	Model     engine.Model
	Titler    engine.Titler
	Tools     *tools.Registry
	StreamLog stream.Log
	Resolver  auth.Resolver
	Metrics   *metrics.Metrics
}

// initStore creates the SQLite store, honouring COVEN_CHAT_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_CHAT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initStreamLog opens the backing log for resumable streams.
func initStreamLog(cfg *config.Config, logger *slog.Logger) (stream.Log, error) {
	if cfg.Stream.Backend != "badger" {
		return stream.NewMemoryLog(), nil
	}
	ttl := cfg.Stream.Retention + cfg.Stream.IdleTimeout
	log, err := stream.OpenBadgerLog(stream.BadgerConfig{
		Path:       cfg.Stream.Path,
		TTL:        ttl,
		GCInterval: 10 * time.Minute,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening stream log: %w", err)
	}
	return log, nil
}

// initResolver builds caller authentication. Without any configured
// credentials every request runs as one local caller.
func initResolver(cfg *config.Config, logger *slog.Logger) (auth.Resolver, error) {
	if cfg.Auth.JWTSecret == "" && len(cfg.Auth.APIKeys) == 0 {
		logger.Warn("auth disabled - no jwt_secret or api_keys configured")
		return auth.AnonymousResolver("local", cfg.Quota.DefaultTier), nil
	}

	resolver := &auth.CredentialResolver{DefaultTier: cfg.Quota.DefaultTier}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		resolver.Tokens = verifier
	}
	if len(cfg.Auth.APIKeys) > 0 {
		keys := make([]auth.APIKey, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			keys = append(keys, auth.APIKey{Principal: k.Principal, Tier: k.Tier, Hash: []byte(k.Hash)})
		}
		verifier, err := auth.NewAPIKeyVerifier(keys)
		if err != nil {
			return nil, fmt.Errorf("creating API key verifier: %w", err)
		}
		resolver.Keys = verifier
	}
	logger.Info("auth enabled", "jwt", resolver.Tokens != nil, "api_keys", len(cfg.Auth.APIKeys))
	return resolver, nil
}

// initTitler prefers a model-backed titler and falls back to the heuristic one.
func initTitler(cfg *config.Config, logger *slog.Logger) engine.Titler {
	model := cfg.Model.TitleModel
	if model == "" {
		model = cfg.Model.DefaultModel
	}
	titler, err := engine.NewLangchainTitler(cfg.Model.BaseURL, cfg.Model.APIKey, model)
	if err != nil {
		logger.Warn("title model unavailable, using heuristic titles", "error", err)
		return engine.HeuristicTitler{}
	}
	return titler
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	streamLog, err := initStreamLog(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	resolver, err := initResolver(cfg, logger)
	if err != nil {
		_ = s.Close()
		_ = streamLog.Close()
		return nil, err
	}

	registry := tools.NewRegistry(cfg.Tools.Timeout, logger)
	if err := tools.RegisterDefaults(registry, cfg.Tools.WeatherURL, cfg.Tools.SpacesURL, cfg.Tools.SpacesAPIKey, cfg.Tools.Timeout); err != nil {
		_ = s.Close()
		_ = streamLog.Close()
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
	}

	return NewWithDeps(cfg, Deps{
		Store:     s,
		Model:     engine.NewOpenAIModel(cfg.Model.BaseURL, cfg.Model.APIKey, logger),
		Titler:    initTitler(cfg, logger),
		Tools:     registry,
		StreamLog: streamLog,
		Resolver:  resolver,
		Metrics:   m,
	}, logger)
}

// NewWithDeps creates a Gateway around already constructed collaborators.
// The gateway takes ownership of the store and stream log; the broker closes the log.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if deps.Store == nil || deps.Model == nil {
		return nil, errors.New("gateway requires a store and a model")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.StreamLog == nil {
		deps.StreamLog = stream.NewMemoryLog()
	}
	if deps.Resolver == nil {
		deps.Resolver = auth.AnonymousResolver("local", cfg.Quota.DefaultTier)
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry(cfg.Tools.Timeout, logger)
	}
	if deps.Metrics != nil {
		deps.Tools.SetObserver(deps.Metrics)
	}

	approvals := dedupe.New(time.Hour, 10_000)
	broker := stream.NewBroker(stream.Config{
		Enabled:     cfg.Stream.Enabled,
		Retention:   cfg.Stream.Retention,
		IdleTimeout: cfg.Stream.IdleTimeout,
	}, deps.StreamLog, logger)
	deps.Metrics.TrackActiveStreams(broker.Active)

	convService := conversation.New(conversation.Config{
		ReasoningBudget: cfg.Model.ReasoningBudget,
	}, conversation.Options{
		Store:     deps.Store,
		Model:     deps.Model,
		Titler:    deps.Titler,
		Tools:     deps.Tools,
		Approvals: approvals,
		Metrics:   deps.Metrics,
		Logger:    logger,
	})

	gate := admission.New(deps.Store, admission.Limits{
		Window:      cfg.Quota.Window,
		DefaultTier: cfg.Quota.DefaultTier,
		Tiers:       cfg.Quota.Tiers,
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        deps.Store,
		conversation: convService,
		gate:         gate,
		broker:       broker,
		approvals:    approvals,
		metrics:      deps.Metrics,
		resolver:     deps.Resolver,
		logger:       logger.With("component", "gateway"),
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.health = createGRPCServer()
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway configured",
		"tools", deps.Tools.Names(),
		"resumable_streams", broker.Resumable(),
		"stream_backend", cfg.Stream.Backend,
		"metrics", deps.Metrics != nil,
	)
	return gw, nil
}

// Handler returns the HTTP routes with session resolution applied to the API.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// no auth
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.metrics != nil {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, g.metrics.Handler())
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/chat", g.handleChat)
	api.HandleFunc("DELETE /api/chat", g.handleDeleteChat)
	api.HandleFunc("GET /api/chat/{id}/stream", g.handleResume)
	api.HandleFunc("GET /api/history", g.handleHistory)
	mux.Handle("/api/", auth.SessionMiddleware(g.resolver, g.logger)(api))

	return mux
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when gRPC is off.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	g.setServing(true)
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

// Run starts the servers and blocks until the context is canceled or a server
// fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context, since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "coven-chat", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener(grpcLn)
		if err != nil {
			return nil, nil, err
		}
		return grpcLn, httpLn, nil
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
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
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
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

// Shutdown stops accepting requests, lets in-flight streams finish and
// releases every resource. Turns still generating are waited for until ctx
// expires; their completion writes need the store open.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	drained := make(chan struct{})
	go func() {
		g.turns.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		g.logger.Warn("shutdown timed out with turns still running", "active_streams", g.broker.Active())
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "broker close", g.broker.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.approvals.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// pinger is implemented by stores that can check their connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers, and mirrors the result
// into the gRPC health service.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	err := g.ready(r.Context())
	g.setServing(err == nil)
	if err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active streams)", g.broker.Active())
}

func (g *Gateway) ready(ctx context.Context) error {
	p, ok := g.store.(pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.Ping(ctx)
}
