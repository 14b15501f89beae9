package relay

import (
	"context"
	"log/slog"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
)

// Relay is the metadata relay module: the connection manager plus the SSE
// gateway, run as one dskit service.
type Relay struct {
	services.Service
	cfg    *Config
	logger *slog.Logger

	manager *Manager
	gateway *Gateway
}

var module = "relay"

// New creates and returns a new Relay.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*Relay, error) {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	moduleLogger := logger.With("module", module)

	r := &Relay{
		cfg:    &cfg,
		logger: moduleLogger,
	}
	r.manager = NewManager(cfg, moduleLogger, reg)
	r.gateway = NewGateway(r.manager, moduleLogger, cfg.KeepaliveInterval)

	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)

	return r, nil
}

// RegisterRoutes attaches the relay's HTTP surface to the server router. The
// host application is expected to have authorized these requests already.
func (r *Relay) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/radio/metadata/stream", r.gateway.MetadataStream).Methods("GET")
}

func (r *Relay) starting(ctx context.Context) error {
	return nil
}

func (r *Relay) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *Relay) stopping(_ error) error {
	r.logger.Info("stopping")
	r.manager.Shutdown()
	return nil
}
