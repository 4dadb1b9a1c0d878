package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/backoff/v2"
	log "github.com/sirupsen/logrus"
)

// Connector is a store connection that can be (re)established and pinged.
type Connector interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Supervisor owns the lifecycle of a store connection: it connects, pings
// the connection on a fixed interval and reconnects with exponential backoff
// when a ping fails.
type Supervisor struct {
	conn     Connector
	interval time.Duration
	policy   backoff.Policy

	healthy atomic.Bool

	mu        sync.Mutex
	onConnect []func(ctx context.Context) error
	onChange  []func(healthy bool)
}

type SupervisorOption func(*Supervisor)

// WithBackoff overrides the reconnect policy.
func WithBackoff(p backoff.Policy) SupervisorOption {
	return func(s *Supervisor) { s.policy = p }
}

// OnConnect registers a hook run after every successful (re)connect, before
// the store is reported healthy. A failing hook counts as a failed connect.
func OnConnect(fn func(ctx context.Context) error) SupervisorOption {
	return func(s *Supervisor) { s.onConnect = append(s.onConnect, fn) }
}

// OnHealthChange registers a hook called on every health transition.
func OnHealthChange(fn func(healthy bool)) SupervisorOption {
	return func(s *Supervisor) { s.onChange = append(s.onChange, fn) }
}

func NewSupervisor(conn Connector, interval time.Duration, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		conn:     conn,
		interval: interval,
		policy: backoff.Exponential(
			backoff.WithMinInterval(time.Second),
			backoff.WithMaxInterval(30*time.Second),
			backoff.WithJitterFactor(0.05),
		),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Healthy() bool {
	return s.healthy.Load()
}

// Run connects and then health-checks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	s.reconnect(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Check(ctx); err != nil {
				s.reconnect(ctx)
			}
		}
	}
}

// Check pings the connection once and records the result.
func (s *Supervisor) Check(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.conn.Ping(pingCtx); err != nil {
		log.Errorf("store health check failed: %v", err)
		s.setHealthy(false)
		return err
	}
	log.Debug("store health check ok")
	s.setHealthy(true)
	return nil
}

// reconnect retries until a connect succeeds or ctx is done. A policy that
// gives up is restarted, the process never stops trying.
func (s *Supervisor) reconnect(ctx context.Context) {
	for ctx.Err() == nil {
		if s.round(ctx) {
			s.setHealthy(true)
			return
		}
	}
}

func (s *Supervisor) round(ctx context.Context) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := s.policy.Start(ctx)
	for backoff.Continue(b) {
		if err := s.connect(ctx); err != nil {
			log.Warnf("store connect failed, retrying: %v", err)
			continue
		}
		return true
	}
	return false
}

func (s *Supervisor) connect(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	hooks := append([]func(context.Context) error(nil), s.onConnect...)
	s.mu.Unlock()
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) setHealthy(v bool) {
	if s.healthy.Swap(v) == v {
		return
	}
	if v {
		log.Info("store connection healthy")
	} else {
		log.Warn("store connection lost")
	}
	s.mu.Lock()
	hooks := append(([]func(bool))(nil), s.onChange...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(v)
	}
}
