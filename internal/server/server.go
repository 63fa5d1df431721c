// Package server exposes the OpenAI- and Anthropic-compatible HTTP surface.
// Each request flows through one pipeline: parse the wire format, normalize,
// pick a credential or delegation account, run the exchange through the
// streaming engine or the delegation client, and record the outcome.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kirobox/kirobox/internal/auth"
	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/customapi"
	"github.com/kirobox/kirobox/internal/data/db"
	"github.com/kirobox/kirobox/internal/kiro"
	"github.com/kirobox/kirobox/internal/obs"
	"github.com/kirobox/kirobox/internal/obs/otel"
	"github.com/kirobox/kirobox/internal/pool"
	"github.com/kirobox/kirobox/internal/util"
)

// Server is the HTTP gateway. Construct with NewServer, run with Start.
type Server struct {
	settings   *config.Settings
	catalog    *config.ModelCatalog
	jwtManager *auth.JWTManager

	credStore *db.CredentialStore
	acctStore *db.AccountStore
	allocator *pool.Allocator
	health    *pool.HealthChecker

	upstream *kiro.Client
	delegate *customapi.Client

	sink    *obs.Sink
	tracker *otel.RequestTracker
	watcher *config.Watcher

	engine       *gin.Engine
	httpServer   *http.Server
	healthCancel context.CancelFunc

	// options
	host    string
	version string
}

// ServerOption defines a functional option for Server configuration.
type ServerOption func(*Server)

// WithDefault applies all default server options.
func WithDefault() ServerOption {
	return func(s *Server) {
		s.host = "" // resolves to localhost
	}
}

func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

func WithHost(host string) ServerOption {
	return func(s *Server) {
		s.host = host
	}
}

// WithTracker attaches the OpenTelemetry request tracker. Without one,
// metrics recording is a no-op.
func WithTracker(t *otel.RequestTracker) ServerOption {
	return func(s *Server) {
		s.tracker = t
	}
}

// NewServer assembles the gateway around settings: encrypted stores, model
// catalog, allocator, health checker, upstream and delegation clients, and
// the gin engine with its routes.
func NewServer(settings *config.Settings, opts ...ServerOption) (*Server, error) {
	server := &Server{settings: settings}
	for _, opt := range append([]ServerOption{WithDefault()}, opts...) {
		opt(server)
	}

	configDir := settings.ConfigDir()

	cipher, err := db.NewCipher()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store cipher: %w", err)
	}
	credStore, err := db.NewCredentialStore(configDir, cipher)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	acctStore, err := db.NewAccountStore(configDir, cipher)
	if err != nil {
		credStore.Close()
		return nil, fmt.Errorf("failed to open account store: %w", err)
	}

	server.credStore = credStore
	server.acctStore = acctStore
	server.catalog = config.NewModelCatalog(configDir)
	server.jwtManager = auth.NewJWTManager(settings.GetJWTSecret())
	server.allocator = pool.NewAllocator(credStore, acctStore, server.catalog, settings)
	server.health = pool.NewHealthChecker(credStore, settings)
	server.upstream = kiro.NewClient()
	server.delegate = customapi.NewClient()
	server.sink = obs.NewSink(config.GetLogDir(configDir), settings.GetDebug())

	server.engine = gin.New()
	server.setupMiddleware()
	server.setupRoutes()
	server.setupConfigWatcher()

	return server, nil
}

// setupConfigWatcher initializes the configuration hot-reload watcher.
func (s *Server) setupConfigWatcher() {
	watcher, err := config.NewWatcher(s.settings)
	if err != nil {
		logrus.Warnf("Failed to create config watcher: %v", err)
		return
	}
	s.watcher = watcher

	watcher.AddCallback(func(updated *config.Settings) {
		logrus.Debug("Configuration updated, reloading dependents")
		s.jwtManager = auth.NewJWTManager(updated.GetJWTSecret())
		s.sink.SetEnabled(updated.GetDebug())
	})
}

// setupMiddleware configures server middleware.
func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(requestLogger())
	s.engine.Use(corsMiddleware())
}

// setupRoutes configures server routes.
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.Health)

	v1 := s.engine.Group("/v1")
	{
		// Chat completions endpoint (OpenAI compatible)
		v1.POST("/chat/completions", s.clientAuth(formatOpenAI), s.ChatCompletions)
		// Messages endpoint (Anthropic compatible)
		v1.POST("/messages", s.clientAuth(formatAnthropic), s.AnthropicMessages)
		// Models endpoint (OpenAI compatible)
		v1.GET("/models", s.clientAuth(formatOpenAI), s.ListModels)
	}

	// Buffered variant: holds the stream open with pings and replays it
	// once the upstream finished. Clients that abort on early token counts
	// get accurate ones this way.
	cc := s.engine.Group("/cc/v1")
	{
		cc.POST("/messages", s.clientAuth(formatAnthropic), s.AnthropicMessagesBuffered)
	}
}

// Start starts the HTTP server and its background workers. It blocks until
// the listener fails or Stop is called.
func (s *Server) Start(port int) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logrus.Warnf("Failed to start config watcher: %v", err)
		} else {
			logrus.Info("Configuration hot-reload enabled")
		}
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel
	go s.health.Start(healthCtx)

	addr := fmt.Sprintf("%s:%d", s.host, port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	resolvedHost := util.ResolveHost(s.host)
	logrus.Infof("OpenAI chat endpoint:       http://%s:%d/v1/chat/completions", resolvedHost, port)
	logrus.Infof("Anthropic messages endpoint: http://%s:%d/v1/messages", resolvedHost, port)
	return s.httpServer.ListenAndServe()
}

// GetRouter returns the gin engine for testing purposes.
func (s *Server) GetRouter() *gin.Engine {
	return s.engine
}

// Stop gracefully stops the HTTP server, the background workers, and the
// stores.
func (s *Server) Stop(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			logrus.Warnf("Failed to stop config watcher: %v", err)
		}
	}
	if s.healthCancel != nil {
		s.healthCancel()
	}
	s.health.Stop()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	if s.credStore != nil {
		if cerr := s.credStore.Close(); cerr != nil {
			logrus.Warnf("Failed to close credential store: %v", cerr)
		}
	}
	if s.acctStore != nil {
		if cerr := s.acctStore.Close(); cerr != nil {
			logrus.Warnf("Failed to close account store: %v", cerr)
		}
	}
	return err
}
