// Package ws is the development relay for ticket conversations. It upgrades
// authenticated HTTP requests on /ws/ticket/<id>/chat/ to WebSocket
// connections, groups them into one room per ticket, assigns durable ids to
// chat messages, and fans typing and presence events out to the rest of
// the room. Rooms span relay instances when a Fanout is configured.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/metrics"
	"github.com/helpdesk/ticketchat/internal/ratelimit"
	"github.com/helpdesk/ticketchat/internal/session"
)

// ServerConfig holds tunable parameters for the relay.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	InstanceID        string        // identifies this relay in fanout events
	MaxConnections    int           // hard cap on total connections
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	HistorySize       int           // chat messages replayed to joining clients
	MaxAttachmentSize int64         // inline attachment limit in bytes
	Heartbeat         HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with development defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		InstanceID:        "relay-1",
		MaxConnections:    10000,
		WriteTimeout:      10 * time.Second,
		HistorySize:       chat.MaxBufferMessages,
		MaxAttachmentSize: chat.DefaultMaxAttachmentSize,
		Heartbeat:         DefaultHeartbeatConfig(),
	}
}

// Deps are the relay's collaborators. Only Auth is required.
type Deps struct {
	Auth     Authenticator
	Presence session.Store      // default: in-memory
	Throttle ratelimit.Throttle // default: in-memory token buckets
	Fanout   Fanout             // nil: single instance
	Logger   *zap.Logger
}

// Server is the ticket room relay. Each connection is served by its own
// reader goroutine.
type Server struct {
	config     ServerConfig
	deps       Deps
	log        *zap.Logger
	conns      *ConnectionManager
	history    *chat.MessageBuffer
	dispatcher *MessageDispatcher
	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	startedAt  time.Time
	now        func() time.Time
}

// NewServer creates a Server and registers the ticket room handlers.
func NewServer(config ServerConfig, deps Deps) *Server {
	def := DefaultServerConfig()
	if config.MaxConnections <= 0 {
		config.MaxConnections = def.MaxConnections
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = def.Heartbeat
	}
	if config.MaxAttachmentSize <= 0 {
		config.MaxAttachmentSize = def.MaxAttachmentSize
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Presence == nil {
		deps.Presence = session.NewMemoryStore()
	}
	if deps.Throttle == nil {
		deps.Throttle = ratelimit.NewLocalLimiter()
	}

	s := &Server{
		config:    config,
		deps:      deps,
		log:       deps.Logger,
		conns:     NewConnectionManager(),
		history:   chat.NewMessageBuffer(config.HistorySize),
		done:      make(chan struct{}),
		startedAt: time.Now(),
		now:       time.Now,
	}
	s.dispatcher = NewMessageDispatcher(s)
	s.registerHandlers()
	return s
}

// Handler returns the relay's HTTP routes: the WebSocket endpoint, the
// health check, and Prometheus metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/ticket/", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins the heartbeat monitor and blocks serving HTTP.
func (s *Server) Start() error {
	s.startHeartbeat(s.config.Heartbeat)

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("relay_listening",
		zap.String("addr", s.config.ListenAddr),
		zap.String("instance", s.config.InstanceID),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it, joins the
// connection to its ticket room, and starts its reader.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	user, err := s.deps.Auth.Authenticate(r.Context(), ticketID, tokenFromRequest(r))
	switch {
	case errors.Is(err, ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	case err != nil:
		s.log.Info("relay_auth_rejected", zap.String("ticket", ticketID), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("relay_upgrade_failed", zap.String("ticket", ticketID), zap.Error(err))
		return
	}

	c := &Connection{
		ID:           uuid.NewString(),
		TicketID:     ticketID,
		User:         user,
		Conn:         netConn,
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch()

	if s.conns.Add(c) {
		s.openRoom(ticketID)
	}
	metrics.RelayConnections.Inc()
	metrics.RelayRooms.Set(float64(s.conns.RoomCount()))

	s.log.Info("relay_connection_opened",
		zap.String("conn", c.ID),
		zap.String("ticket", ticketID),
		zap.String("user", user.ID),
		zap.Int("total", s.conns.Count()))

	s.replay(c)

	s.wg.Add(1)
	go s.readLoop(c)
}

// readLoop reads frames until the connection fails or the server stops.
func (s *Server) readLoop(c *Connection) {
	defer s.wg.Done()
	defer s.RemoveConnection(c)

	window := s.config.Heartbeat.Interval + s.config.Heartbeat.Timeout
	for {
		_ = c.Conn.SetReadDeadline(time.Now().Add(window))
		data, op, err := wsutil.ReadClientData(c.Conn)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !isTimeout(err) {
				s.log.Debug("relay_read_failed", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}
		c.Touch()
		if op != ws.OpText || len(data) == 0 {
			continue
		}
		start := time.Now()
		s.dispatcher.Dispatch(c, data)
		metrics.RelayLatency.Observe(time.Since(start).Seconds())
	}
}

// replay sends recent chat history and the current room members to a
// newly joined connection.
func (s *Server) replay(c *Connection) {
	for _, m := range s.history.Get(c.TicketID) {
		if data, err := newChatFrame(m); err == nil {
			_ = c.WriteMessage(data)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	members, err := s.deps.Presence.Members(ctx, c.TicketID)
	if err != nil {
		s.log.Warn("relay_presence_read_failed", zap.String("ticket", c.TicketID), zap.Error(err))
		return
	}
	for _, m := range members {
		if m.ID == c.User.ID {
			continue
		}
		if data, err := newPresenceFrame(true, Identity{ID: m.ID, Name: m.Name, Role: m.Role}); err == nil {
			_ = c.WriteMessage(data)
		}
	}
}

// RemoveConnection unregisters a connection, announces the user offline
// when it was their last connection in the room, and closes the room
// when it empties. It is safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	removed, roomEmpty := s.conns.Remove(c.ID)
	if !removed {
		return
	}
	metrics.RelayConnections.Dec()

	if !s.conns.UserConnected(c.TicketID, c.User.ID) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.deps.Presence.Leave(ctx, c.TicketID, c.User.ID); err != nil {
			s.log.Warn("relay_presence_leave_failed", zap.String("ticket", c.TicketID), zap.Error(err))
		}
		cancel()
		if data, err := newPresenceFrame(false, c.User); err == nil {
			s.broadcast(c.TicketID, data, c.User.ID)
		}
	}

	if roomEmpty {
		s.closeRoom(c.TicketID)
	}
	metrics.RelayRooms.Set(float64(s.conns.RoomCount()))

	s.log.Info("relay_connection_closed",
		zap.String("conn", c.ID),
		zap.String("ticket", c.TicketID),
		zap.Int("total", s.conns.Count()))
}

// broadcast delivers a frame to the local room and to other relay
// instances.
func (s *Server) broadcast(ticketID string, frame []byte, excludeUser string) {
	s.conns.Broadcast(ticketID, frame, excludeUser)
	if s.deps.Fanout == nil {
		return
	}
	data, err := json.Marshal(roomEvent{Origin: s.config.InstanceID, ExcludeUser: excludeUser, Frame: frame})
	if err != nil {
		return
	}
	if err := s.deps.Fanout.PublishRoom(ticketID, data); err != nil {
		s.log.Warn("relay_fanout_publish_failed", zap.String("ticket", ticketID), zap.Error(err))
	}
}

func (s *Server) openRoom(ticketID string) {
	if s.deps.Fanout == nil {
		return
	}
	err := s.deps.Fanout.SubscribeRoom(ticketID, func(data []byte) {
		var ev roomEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Origin == s.config.InstanceID {
			return
		}
		s.conns.Broadcast(ticketID, ev.Frame, ev.ExcludeUser)
	})
	if err != nil {
		s.log.Warn("relay_fanout_subscribe_failed", zap.String("ticket", ticketID), zap.Error(err))
	}
}

func (s *Server) closeRoom(ticketID string) {
	s.history.Remove(ticketID)
	if s.deps.Fanout != nil {
		_ = s.deps.Fanout.UnsubscribeRoom(ticketID)
	}
}

// handleHealth responds with the relay's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Instance    string `json:"instance"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Instance:    s.config.InstanceID,
		Connections: s.conns.Count(),
		Rooms:       s.conns.RoomCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, closes every connection with a
// going-away frame, and waits for the readers to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	for _, c := range s.conns.All() {
		_ = c.WriteClose(ws.StatusGoingAway, "relay shutting down")
		s.RemoveConnection(c)
	}
	s.wg.Wait()

	s.log.Info("relay_stopped")
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
