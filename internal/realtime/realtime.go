package realtime

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/markb/boardsync/internal/access"
	"github.com/markb/boardsync/internal/log"
)

// Deps are the collaborators the realtime service consumes.
type Deps struct {
	Auth          Authenticator
	Access        access.Checker
	Resolver      Resolver
	MeterProvider metric.MeterProvider // nil uses the global provider
}

// Service wires the hub, broadcaster and publisher together.
type Service struct {
	hub         *Hub
	broadcaster *Broadcaster
	publisher   *Publisher
	metrics     *Metrics
}

// NewService creates a realtime service. Zero config values fall back to
// DefaultConfig.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Auth == nil || deps.Access == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("realtime: auth, access and resolver are required")
	}
	metrics, err := NewMetrics(deps.MeterProvider)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	hub := NewHub(cfg, deps.Auth, deps.Access, metrics)
	broadcaster := NewBroadcaster(hub, deps.Access, metrics)
	return &Service{
		hub:         hub,
		broadcaster: broadcaster,
		publisher:   NewPublisher(cfg, deps.Resolver, broadcaster, metrics),
		metrics:     metrics,
	}, nil
}

// Start runs the heartbeat and the publish worker.
func (s *Service) Start() {
	s.hub.Start()
	s.publisher.Start()
	log.Info("realtime: started", "heartbeat", s.hub.cfg.HeartbeatInterval.String(), "resume_window", s.hub.cfg.ResumeWindow.String())
}

// Hub returns the connection hub
func (s *Service) Hub() *Hub {
	return s.hub
}

// Stats returns realtime statistics
func (s *Service) Stats() HubStats {
	return s.hub.Stats()
}

// HandleWebSocket handles WebSocket upgrade requests
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWebSocket(w, r)
}

// EmitDatabaseChange publishes a committed mutation. Call it once per
// commit, never before.
func (s *Service) EmitDatabaseChange(c Change) error {
	return s.publisher.EmitDatabaseChange(c)
}

// EmitCustomEvent publishes a custom event on one channel.
func (s *Service) EmitCustomEvent(channelName, eventType string, payload map[string]any) error {
	return s.publisher.EmitCustomEvent(channelName, eventType, payload)
}

// Shutdown drains the publish queue, then closes every connection.
func (s *Service) Shutdown(ctx context.Context) error {
	return multierr.Append(
		s.publisher.Close(ctx),
		s.hub.Shutdown(ctx),
	)
}
