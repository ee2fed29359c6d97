package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Factory builds a fresh Gateway, used by the Supervisor to rebuild the
// client after a confirmed disconnect.
type Factory func() (Gateway, error)

// Supervisor holds the process-wide shared broker client (C7). It probes
// health on an interval; on a negative probe it rebuilds the client and
// invokes OnReconnect so the registry can invalidate every actor, since
// their producers/consumers are bound to the old client identity.
//
// Rebuilds are serialised by mu so at most one reconnect is ever in
// flight, mirroring the single-mutex reconnect in the broker gateway
// design. A failed rebuild is not retried within the same Probe; the next
// probe tick tries again.
type Supervisor struct {
	mu          sync.Mutex
	gw          Gateway
	factory     Factory
	healthTopic string
	log         *zap.Logger
	healthy     bool

	// OnReconnect is called after a successful rebuild, while mu is still
	// held, so it must not call back into the Supervisor. It must not
	// block for long; the registry's job is just to drop its actor map.
	OnReconnect func()
}

// NewSupervisor builds the initial client via factory.
func NewSupervisor(factory Factory, healthTopic string, log *zap.Logger) (*Supervisor, error) {
	gw, err := factory()
	if err != nil {
		return nil, err
	}
	return &Supervisor{gw: gw, factory: factory, healthTopic: healthTopic, log: log, healthy: true}, nil
}

// Healthy reports the outcome of the most recent probe, for a liveness
// endpoint that must not itself open a broker connection.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// Current returns the presently active Gateway. Callers must not cache it
// across a suspension point that might span a reconnect; re-fetch via
// Current after every await.
func (s *Supervisor) Current() Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gw
}

// Probe runs one health check; on failure it rebuilds the client and
// fires OnReconnect. Safe to call concurrently; concurrent callers during
// a rebuild block on mu and observe the new client once it returns.
func (s *Supervisor) Probe(ctx context.Context) {
	s.mu.Lock()
	gw := s.gw
	s.mu.Unlock()

	if err := gw.HealthCheck(ctx, s.healthTopic); err == nil {
		s.mu.Lock()
		s.healthy = true
		s.mu.Unlock()
		return
	} else {
		s.log.Warn("broker health probe failed, rebuilding client", zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = false
	// Another goroutine may have already rebuilt while we waited on mu.
	if s.gw != gw {
		return
	}
	newGw, err := s.factory()
	if err != nil {
		s.log.Error("broker client rebuild failed", zap.Error(err))
		return
	}
	gw.Close()
	s.gw = newGw
	s.healthy = true
	s.log.Info("broker client rebuilt")
	if s.OnReconnect != nil {
		s.OnReconnect()
	}
}

// Run probes on a fixed interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Probe(ctx)
		}
	}
}

// Close releases the current client.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gw.Close()
}
