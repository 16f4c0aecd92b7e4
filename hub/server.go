package hub

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"transport-dispatch/auth"
	"transport-dispatch/events"
	"transport-dispatch/logger"
	"transport-dispatch/metrics"
)

const (
	errCodeMalformed   = "MALFORMED_FRAME"
	errCodeForbidden   = "FORBIDDEN"
	errCodeServerOwned = "SERVER_OWNED_EVENT"
)

type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// Policy decides which channels a connection may join or publish to.
type Policy interface {
	CanJoin(id auth.Identity, channel string) bool
	CanPublish(id auth.Identity, channel string) bool
}

// OwnChannelPolicy lets drivers join only driver:<own id> and tenants only
// tenant:<own id>. Publishing is allowed to any driver or tenant channel.
type OwnChannelPolicy struct{}

func (OwnChannelPolicy) CanJoin(id auth.Identity, channel string) bool {
	kind, owner, ok := events.ParseChannel(channel)
	if !ok || owner != id.UserID {
		return false
	}
	return (kind == "driver" && id.IsDriver()) || (kind == "tenant" && id.IsTenant())
}

func (OwnChannelPolicy) CanPublish(id auth.Identity, channel string) bool {
	_, _, ok := events.ParseChannel(channel)
	return ok
}

// Interceptor receives events published to the presence channel.
type Interceptor func(ctx context.Context, id auth.Identity, ev events.Event)

// DisconnectHook runs after the last connection of a user is gone. It never
// overlaps the interceptor for the same user.
type DisconnectHook func(ctx context.Context, id auth.Identity)

// userLocks serialises presence handling per user: a disconnect hook and the
// presence reports of a newer connection of the same user run one at a time.
type userLocks [64]sync.Mutex

func (l *userLocks) lock(userID string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	m := &l[h.Sum32()%uint32(len(l))]
	m.Lock()
	return m.Unlock
}

type ServerConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	FrameRate       float64
	FrameBurst      int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		MaxMessageBytes: 16 << 10,
		FrameRate:       10,
		FrameBurst:      20,
	}
}

// Server upgrades HTTP requests to websocket connections attached to a Hub.
type Server struct {
	hub          *Hub
	auth         Authenticator
	policy       Policy
	cfg          ServerConfig
	interceptor  Interceptor
	onDisconnect DisconnectHook
	logger       *slog.Logger
	metrics      metrics.Recorder
	upgrader     websocket.Upgrader
	presence     userLocks
}

type ServerOption func(*Server)

func WithPolicy(p Policy) ServerOption { return func(s *Server) { s.policy = p } }

func WithInterceptor(fn Interceptor) ServerOption { return func(s *Server) { s.interceptor = fn } }

func WithDisconnectHook(fn DisconnectHook) ServerOption {
	return func(s *Server) { s.onDisconnect = fn }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger.OrDefault(l) }
}

func WithServerMetrics(r metrics.Recorder) ServerOption {
	return func(s *Server) {
		if r != nil {
			s.metrics = r
		}
	}
}

func NewServer(h *Hub, a Authenticator, cfg ServerConfig, opts ...ServerOption) *Server {
	def := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = def.FrameRate
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = def.FrameBurst
	}
	s := &Server{
		hub:     h,
		auth:    a,
		policy:  OwnChannelPolicy{},
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metrics.Nop{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type connection struct {
	id     string
	ident  auth.Identity
	ws     *websocket.Conn
	member *Member
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	connID := uuid.NewString()
	member, err := s.hub.Attach(connID, ident.UserID)
	if err != nil {
		s.logger.Error("hub attach failed", slog.String("error", err.Error()))
		ws.Close()
		return
	}
	c := &connection{id: connID, ident: ident, ws: ws, member: member}
	s.logger.Info("hub connection opened",
		slog.String("conn_id", connID),
		slog.String("user_id", ident.UserID),
		slog.String("role", string(ident.Role)),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.writePump(c)
	s.readPump(ctx, c)
}

func (s *Server) readPump(ctx context.Context, c *connection) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("hub connection panicked",
				slog.String("conn_id", c.id),
				slog.Any("panic", rec),
			)
		}
		s.hub.Detach(c.id)
		c.ws.Close()
		s.logger.Info("hub connection closed",
			slog.String("conn_id", c.id),
			slog.String("user_id", c.ident.UserID),
		)
		if s.onDisconnect != nil {
			s.disconnected(context.WithoutCancel(ctx), c.ident)
		}
	}()

	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.FrameRate), s.cfg.FrameBurst)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("hub read failed", slog.String("conn_id", c.id), slog.String("error", err.Error()))
			}
			return
		}
		if !limiter.Allow() {
			s.metrics.MessageDropped(metrics.DropRateLimited)
			s.logger.Warn("hub frame rate exceeded", slog.String("conn_id", c.id), slog.String("user_id", c.ident.UserID))
			continue
		}
		s.handleFrame(ctx, c, raw)
	}
}

func (s *Server) writePump(c *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.member.Outbound():
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, c *connection, raw []byte) {
	frame, err := events.ParseClientFrame(raw)
	if err != nil {
		s.refuse(c, metrics.DropMalformed, errCodeMalformed, err.Error())
		return
	}

	switch {
	case frame.Join != "":
		if !s.policy.CanJoin(c.ident, frame.Join) {
			s.refuse(c, metrics.DropRefused, errCodeForbidden, "cannot join "+frame.Join)
			return
		}
		if err := s.hub.Join(c.id, frame.Join); err != nil {
			s.logger.Warn("hub join failed", slog.String("conn_id", c.id), slog.String("error", err.Error()))
		}
	case frame.Leave != "":
		s.hub.Leave(c.id, frame.Leave)
	default:
		s.handlePublish(ctx, c, frame.Channel, *frame.Pub)
	}
}

func (s *Server) handlePublish(ctx context.Context, c *connection, channel string, env events.Envelope) {
	if events.ServerOwned(env.Event) {
		s.refuse(c, metrics.DropRefused, errCodeServerOwned, env.Event+" is emitted by the server only")
		return
	}
	ev, err := events.Decode(env)
	if err != nil {
		s.refuse(c, metrics.DropMalformed, errCodeMalformed, err.Error())
		return
	}
	if lu, ok := ev.(events.LocationUpdate); ok && lu.DriverID != c.ident.UserID {
		s.refuse(c, metrics.DropRefused, errCodeForbidden, "location updates must describe the sender")
		return
	}

	if channel == events.PresenceChannel {
		if s.interceptor != nil {
			s.intercept(ctx, c.ident, ev)
		}
		return
	}
	if !s.policy.CanPublish(c.ident, channel) {
		s.refuse(c, metrics.DropRefused, errCodeForbidden, "cannot publish to "+channel)
		return
	}

	var payload any
	if len(env.Data) > 0 {
		payload = json.RawMessage(env.Data)
	}
	if err := s.hub.Publish(channel, env.Event, payload); err != nil {
		s.logger.Warn("hub publish failed", slog.String("channel", channel), slog.String("error", err.Error()))
	}
}

func (s *Server) intercept(ctx context.Context, id auth.Identity, ev events.Event) {
	defer s.presence.lock(id.UserID)()
	s.interceptor(ctx, id, ev)
}

// disconnected runs the hook unless a connection of the user attached after
// this one was detached.
func (s *Server) disconnected(ctx context.Context, id auth.Identity) {
	defer s.presence.lock(id.UserID)()
	if s.hub.UserConnections(id.UserID) == 0 {
		s.onDisconnect(ctx, id)
	}
}

func (s *Server) refuse(c *connection, reason, code, message string) {
	s.metrics.MessageDropped(reason)
	s.logger.Warn("hub frame refused",
		slog.String("conn_id", c.id),
		slog.String("user_id", c.ident.UserID),
		slog.String("code", code),
		slog.String("detail", message),
	)
	_ = s.hub.Send(c.id, events.NameError, events.Error{Code: code, Message: message})
}
