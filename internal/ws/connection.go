package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Role string `json:"role" yaml:"role"`
}

// Connection represents a single WebSocket client connection in a ticket
// room with a write mutex for serializing outbound frames.
type Connection struct {
	ID           string    // connection ID (UUID)
	TicketID     string    // room this connection joined
	User         Identity  // authenticated participant
	Conn         net.Conn  // underlying TCP connection
	CreatedAt    time.Time // when the connection was established
	lastSeen     atomic.Int64
	writeMu      sync.Mutex // serializes writes to this connection
	writeTimeout time.Duration
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last frame received.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WriteClose sends a close frame; used to reject credentials that expire
// mid-session.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of connections indexed by
// connection ID and by ticket room.
type ConnectionManager struct {
	mu    sync.RWMutex
	byID  map[string]*Connection            // conn_id -> Connection
	rooms map[string]map[string]*Connection // ticket_id -> conn_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:  make(map[string]*Connection),
		rooms: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection. It reports whether the connection opened a
// room that had no local connections before.
func (cm *ConnectionManager) Add(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.byID[conn.ID] = conn
	room, ok := cm.rooms[conn.TicketID]
	if !ok {
		room = make(map[string]*Connection)
		cm.rooms[conn.TicketID] = room
	}
	room[conn.ID] = conn
	return !ok
}

// Remove unregisters a connection and closes it. It returns whether the
// connection was registered and whether its room is now empty.
func (cm *ConnectionManager) Remove(id string) (removed, roomEmpty bool) {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		room := cm.rooms[conn.TicketID]
		delete(room, id)
		if len(room) == 0 {
			delete(cm.rooms, conn.TicketID)
			roomEmpty = true
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok, roomEmpty
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Room returns a snapshot of the connections in a ticket room.
func (cm *ConnectionManager) Room(ticketID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.rooms[ticketID]))
	for _, c := range cm.rooms[ticketID] {
		conns = append(conns, c)
	}
	return conns
}

// UserConnected reports whether userID still has a connection in the room.
func (cm *ConnectionManager) UserConnected(ticketID, userID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, c := range cm.rooms[ticketID] {
		if c.User.ID == userID {
			return true
		}
	}
	return false
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// RoomCount returns the number of rooms with local connections.
func (cm *ConnectionManager) RoomCount() int {
	cm.mu.RLock()
	n := len(cm.rooms)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends msg to every local connection in the room except those
// of excludeUser. Failed writes are ignored; the reader of a broken
// connection removes it.
func (cm *ConnectionManager) Broadcast(ticketID string, msg []byte, excludeUser string) int {
	sent := 0
	for _, conn := range cm.Room(ticketID) {
		if excludeUser != "" && conn.User.ID == excludeUser {
			continue
		}
		if conn.WriteMessage(msg) == nil {
			sent++
		}
	}
	return sent
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
