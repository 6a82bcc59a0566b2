// Package liveness evicts peers that stopped talking without closing:
// stale WebSocket connections, idle bus subscribers and rooms whose
// broadcaster never came back.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/audit"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/protocol"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// ConnSource lists the live protocol connections.
type ConnSource interface {
	Snapshot() []protocol.Conn
}

type Config struct {
	HeartbeatTimeout     time.Duration
	SubscriberTimeout    time.Duration
	BusHeartbeatInterval time.Duration
	IdleRoomTimeout      time.Duration
	// Interval defaults to half the heartbeat timeout.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.SubscriberTimeout <= 0 {
		c.SubscriberTimeout = 90 * time.Second
	}
	if c.BusHeartbeatInterval <= 0 {
		c.BusHeartbeatInterval = 30 * time.Second
	}
	if c.IdleRoomTimeout <= 0 {
		c.IdleRoomTimeout = 10 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = c.HeartbeatTimeout / 2
	}
	return c
}

// Report counts what one sweep removed.
type Report struct {
	StaleConns        int
	IdleSubscribers   int
	IdleRooms         int
	OrphanSubscribers int
	Heartbeats        int
}

type Option func(*Supervisor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

type Supervisor struct {
	cfg      Config
	proto    *protocol.Handler
	conns    ConnSource
	now      func() time.Time
	lastBeat time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

func New(cfg Config, h *protocol.Handler, conns ConnSource, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:   cfg.withDefaults(),
		proto: h,
		conns: conns,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastBeat = s.now()
	return s
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)
	l := log.L()
	l.Info().
		Dur("interval", s.cfg.Interval).
		Dur("heartbeat_timeout", s.cfg.HeartbeatTimeout).
		Dur("subscriber_timeout", s.cfg.SubscriberTimeout).
		Msg("liveness supervisor started")
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep runs one pass. Evictions go through the same teardown as an
// organic disconnect.
func (s *Supervisor) Sweep(ctx context.Context) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep Report
	now := s.now()
	l := log.Ctx(ctx)

	for _, c := range s.conns.Snapshot() {
		sess := c.Session()
		if now.Sub(sess.LastHeartbeat()) <= s.cfg.HeartbeatTimeout {
			continue
		}
		s.proto.Teardown(ctx, c)
		c.Close()
		rep.StaleConns++
		userID := ""
		if id := sess.Identity(); id != nil {
			userID = id.UserID
		}
		audit.Record(ctx, audit.Entry{Action: audit.ActionStaleEviction, UserID: userID, Detail: c.ID()}, "evicted stale connection")
	}

	bus := s.proto.Bus()
	for roomID, subs := range bus.SweepIdle(s.cfg.SubscriberTimeout) {
		for _, sub := range subs {
			s.proto.AgentSwept(roomID, sub.AgentID, sub.Name)
			rep.IdleSubscribers++
			l.Info().Str(log.FieldRoomID, roomID).Str(log.FieldAgentID, sub.AgentID).Msg("swept idle subscriber")
		}
	}

	if now.Sub(s.lastBeat) >= s.cfg.BusHeartbeatInterval {
		s.lastBeat = now
		rep.Heartbeats = bus.PublishAll(domain.EventHeartbeat, nil)
	}

	rooms := s.proto.Rooms()
	for _, roomID := range rooms.IdleRooms(s.cfg.IdleRoomTimeout) {
		if s.proto.EndStream(ctx, roomID, domain.EndReasonTimeout) {
			rep.IdleRooms++
		}
	}

	for _, roomID := range bus.Rooms() {
		if _, err := rooms.Get(roomID); err != nil {
			rep.OrphanSubscribers += bus.ClearRoom(roomID)
		}
	}

	if rep != (Report{}) {
		l.Debug().
			Int("stale_conns", rep.StaleConns).
			Int("idle_subscribers", rep.IdleSubscribers).
			Int("idle_rooms", rep.IdleRooms).
			Int("orphan_subscribers", rep.OrphanSubscribers).
			Int("heartbeats", rep.Heartbeats).
			Msg("liveness sweep")
	}
	return rep
}
