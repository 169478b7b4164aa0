package transport

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// connection wraps one dialed WebSocket with a write mutex serializing
// application frames, heartbeat pings, and control-frame replies written
// by the reader.
type connection struct {
	conn         net.Conn
	reader       io.Reader
	writeMu      sync.Mutex
	writeTimeout time.Duration
	openedAt     time.Time
}

func newConnection(conn net.Conn, br *bufio.Reader, writeTimeout time.Duration) *connection {
	c := &connection{
		conn:         conn,
		reader:       conn,
		writeTimeout: writeTimeout,
		openedAt:     time.Now(),
	}
	// Bytes the server sent right after the handshake are buffered in br.
	if br != nil {
		c.reader = br
	}
	return c
}

// Read implements io.Reader for wsutil.ReadServerData.
func (c *connection) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Write implements io.Writer for control-frame replies (pong, close)
// produced while reading.
func (c *connection) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(p)
}

// writeText sends one masked text frame.
func (c *connection) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// writeClose sends a close frame with the given code and reason.
func (c *connection) writeClose(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

func (c *connection) setReadDeadline(d time.Duration) {
	if d > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
	}
}

func (c *connection) close() error {
	return c.conn.Close()
}
