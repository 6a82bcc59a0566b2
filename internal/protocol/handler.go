// Package protocol is the per-connection state machine: authenticate, create
// or join a stream, exchange terminal output and chat, tear down. It also
// owns the side effects that follow room lifecycle changes (persistence, bus
// fan-out, directory and archive).
package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/eventbus"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/store"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// Conn is a live protocol connection.
type Conn interface {
	transport.Transport
	ID() string
	Session() *domain.Session
}

// TokenValidator resolves a bearer token to an identity.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*domain.Identity, error)
}

// Mirror republishes bus events outside the process.
type Mirror interface {
	Publish(ctx context.Context, roomID, eventType string, data interface{}) error
}

// Archiver stores the final terminal output of an ended room.
type Archiver interface {
	Archive(ctx context.Context, ended *room.Ended) error
}

// Directory advertises live rooms to other processes.
type Directory interface {
	Advertise(ctx context.Context, info domain.StreamInfo) error
	Withdraw(ctx context.Context, roomID string) error
}

// Config holds protocol limits.
type Config struct {
	AllowAnonymous bool
	MaxChatLength  int
	MaxNameLength  int
	RecentMessages int
	MaxSlowMode    int
	StoreTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxChatLength <= 0 {
		c.MaxChatLength = 500
	}
	if c.MaxNameLength <= 0 {
		c.MaxNameLength = 32
	}
	if c.RecentMessages <= 0 {
		c.RecentMessages = 50
	}
	if c.MaxSlowMode <= 0 {
		c.MaxSlowMode = 3600
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	return c
}

// Limits are the chat bounds that may change while serving.
type Limits struct {
	MaxChatLength int
	MaxSlowMode   int
}

// Option configures a Handler.
type Option func(*Handler)

func WithMirror(m Mirror) Option { return func(h *Handler) { h.mirror = m } }
func WithArchiver(a Archiver) Option { return func(h *Handler) { h.archiver = a } }
func WithDirectory(d Directory) Option { return func(h *Handler) { h.directory = d } }
func WithIDGenerator(g idgen.Generator) Option { return func(h *Handler) { h.ids = g } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

type Handler struct {
	cfg       Config
	rooms     *room.Registry
	bus       *eventbus.Bus
	store     store.Store
	validator TokenValidator
	ids       idgen.Generator
	mirror    Mirror
	archiver  Archiver
	directory Directory
	now       func() time.Time
	limits    atomic.Pointer[Limits]

	loads singleflight.Group
	wg    sync.WaitGroup
}

func New(cfg Config, rooms *room.Registry, bus *eventbus.Bus, st store.Store, v TokenValidator, opts ...Option) *Handler {
	h := &Handler{
		cfg:       cfg.withDefaults(),
		rooms:     rooms,
		bus:       bus,
		store:     st,
		validator: v,
		ids:       idgen.NewULIDGenerator(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.limits.Store(&Limits{MaxChatLength: h.cfg.MaxChatLength, MaxSlowMode: h.cfg.MaxSlowMode})
	rooms.SetDropHook(h.memberDropped)
	return h
}

// SetLimits replaces the chat bounds for messages handled from now on.
// Zero fields keep their current value.
func (h *Handler) SetLimits(l Limits) {
	cur := h.Limits()
	if l.MaxChatLength <= 0 {
		l.MaxChatLength = cur.MaxChatLength
	}
	if l.MaxSlowMode <= 0 {
		l.MaxSlowMode = cur.MaxSlowMode
	}
	h.limits.Store(&l)
}

func (h *Handler) Limits() Limits {
	return *h.limits.Load()
}

// Rooms exposes the registry to adapters.
func (h *Handler) Rooms() *room.Registry { return h.rooms }

// Bus exposes the event bus to adapters.
func (h *Handler) Bus() *eventbus.Bus { return h.bus }

// HandleIncoming decodes one client frame and applies it. Every failure is
// answered on c; nothing is returned to the caller.
func (h *Handler) HandleIncoming(ctx context.Context, c Conn, raw []byte) {
	base, err := domain.ParseBase(raw)
	if err != nil {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeInvalidMessage, "Invalid message format"))
		return
	}
	sess := c.Session()
	sess.Touch(h.now())

	if !domain.IsClientMessage(base.Type) {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeInvalidMessage, "Unknown message type: "+base.Type))
		return
	}
	if base.Type != domain.MsgTypeAuth && !sess.IsAuthenticated() {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeNotAuthenticated, "Not authenticated"))
		return
	}

	l := log.Ctx(ctx)
	l.Debug().Str(log.FieldConnID, c.ID()).Str(log.FieldMsgType, base.Type).Msg("inbound message")

	switch base.Type {
	case domain.MsgTypeAuth:
		var msg domain.AuthMessage
		if h.decode(c, raw, &msg) {
			h.handleAuth(ctx, c, &msg)
		}
	case domain.MsgTypeCreateStream:
		var msg domain.CreateStreamMessage
		if h.decode(c, raw, &msg) {
			h.handleCreateStream(ctx, c, &msg)
		}
	case domain.MsgTypeJoinStream:
		var msg domain.JoinStreamMessage
		if h.decode(c, raw, &msg) {
			h.handleJoinStream(ctx, c, &msg)
		}
	case domain.MsgTypeLeaveStream:
		h.handleLeaveStream(ctx, c)
	case domain.MsgTypeEndStream:
		h.handleEndStream(ctx, c)
	case domain.MsgTypeTerminalData:
		var msg domain.TerminalDataMessage
		if h.decode(c, raw, &msg) {
			h.handleTerminalData(ctx, c, &msg)
		}
	case domain.MsgTypeTerminalResize:
		var msg domain.TerminalResizeMessage
		if h.decode(c, raw, &msg) {
			h.handleTerminalResize(ctx, c, &msg)
		}
	case domain.MsgTypeSendChat:
		var msg domain.SendChatMessage
		if h.decode(c, raw, &msg) {
			h.handleSendChat(ctx, c, &msg)
		}
	case domain.MsgTypeHeartbeat:
		h.reply(c, domain.NewHeartbeatAck())
	}
}

func (h *Handler) decode(c Conn, raw []byte, v interface{}) bool {
	if err := domain.Decode(raw, v); err != nil {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeInvalidMessage, "Invalid message payload"))
		return false
	}
	return true
}

// reply sends msg to a single transport. A failed send is left to the
// connection's own teardown.
func (h *Handler) reply(t transport.Transport, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		l := log.L()
		l.Error().Err(err).Msg("failed to marshal reply")
		return
	}
	if err := t.Send(data); err != nil {
		l := log.L()
		l.Debug().Err(err).Msg("reply dropped")
	}
}

func (h *Handler) replyErr(t transport.Transport, err error) {
	h.reply(t, errorMessage(err))
}

// publish fans an event out on the bus and mirrors it. Terminal output and
// heartbeats stay local.
func (h *Handler) publish(roomID, eventType string, data interface{}, excludeAgentID string) {
	h.bus.Publish(roomID, eventType, data, excludeAgentID)
	if h.mirror == nil || eventType == domain.EventTerminal || eventType == domain.EventHeartbeat {
		return
	}
	h.async("mirror", func(ctx context.Context) error {
		return h.mirror.Publish(ctx, roomID, eventType, data)
	})
}

// async runs a side effect off the fan-out path with a bounded deadline.
func (h *Handler) async(op string, fn func(ctx context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			l := log.L()
			l.Warn().Err(err).Str("op", op).Msg("side effect failed")
		}
	}()
}

// Wait blocks until every pending side effect has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.cfg.StoreTimeout)
}
