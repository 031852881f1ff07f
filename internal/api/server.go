package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
	"github.com/nerrad567/gray-logic-mihome/internal/device"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Bridge is the part of *mihome.Bridge the API needs.
type Bridge interface {
	Gateways() []mihome.GatewayInfo
	Gateway(sid string) (mihome.GatewayInfo, error)
	Devices(gateway string) ([]mihome.DeviceInfo, error)
	Device(sid string) (mihome.DeviceInfo, error)
	Execute(ctx context.Context, cmd mihome.CommandMessage) (string, error)
	ScanGateways(ctx context.Context) ([]mihome.Candidate, error)
	ScanDevices(ctx context.Context, gateway string) ([]mihome.Candidate, error)
	DiscoveryResults() []mihome.Candidate
	Metrics() mihome.BridgeMetrics
	AddObserver(fn func(mihome.Event))
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Bridge   Bridge
	History  device.HistoryRepository // optional
	Version  string
}

// Server is the HTTP API server for the Mi Home bridge.
//
// It manages the HTTP listener, routes, middleware, WebSocket hub and
// mDNS advertisement. The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	bridge     Bridge
	history    device.HistoryRepository
	version    string
	server     *http.Server
	hub        *Hub
	advertiser *advertiser
	register   registerFunc
	cancel     context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, bridge)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		logger:   deps.Logger.Component("api"),
		bridge:   deps.Bridge,
		history:  deps.History,
		version:  deps.Version,
		register: zeroconfRegister,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, registers the hub as a bridge observer,
// launches the HTTP listener in a background goroutine and, when enabled,
// advertises the API over mDNS. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for the hub lifetime
//
// Returns:
//   - error: If the server was already started
func (s *Server) Start(ctx context.Context) error {
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)
	s.bridge.AddObserver(s.relayEvent)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadDuration(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadDuration(),
		WriteTimeout:      s.cfg.Timeouts.WriteDuration(),
		IdleTimeout:       s.cfg.Timeouts.IdleDuration(),
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	if s.cfg.Advertise.Enabled {
		adv, err := startAdvertiser(s.register, s.cfg, s.version)
		if err != nil {
			// The API stays reachable by address; only LAN discovery is lost.
			s.logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			s.advertiser = adv
			s.logger.Info("API advertised over mDNS",
				"service", advertiseService,
				"instance", adv.instance,
			)
		}
	}

	return nil
}

// Close gracefully shuts down the API server.
//
// It withdraws the mDNS advertisement, closes WebSocket clients and waits up
// to 10 seconds for in-flight requests to complete.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.advertiser != nil {
		s.advertiser.shutdown()
		s.advertiser = nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
