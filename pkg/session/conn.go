package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/sectionsync/pkg/protocol"
)

// Conn is a message oriented connection to the relay. ReadMessage and WriteMessage are each
// called from a single goroutine; Close may be called from any.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the relay with gorilla/websocket.
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial %s: %w", ErrTransport, url, err)
	}
	return &websocketConn{ws: ws, writeTimeout: d.WriteTimeout}, nil
}

type websocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			return p, nil
		default:
		}
	}
}

func (c *websocketConn) WriteMessage(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *websocketConn) Close() error {
	return c.ws.Close()
}

// link is one live connection. Its reader feeds decoded frames to the session loop and its
// writer drains the send queue, pinging the relay every heartbeat interval.
type link struct {
	conn   Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
	})
}

func (s *Session) startLink(ctx context.Context, conn Conn) *link {
	l := &link{
		conn:   conn,
		send:   make(chan []byte, s.settings.SendBufferSize),
		closed: make(chan struct{}),
	}
	post := s.post
	logger := s.logger

	go func() {
		defer l.close()
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				post(func() { s.onLinkClosed(ctx, l, err) })
				return
			}
			msg, err := protocol.Decode(data)
			if !post(func() { s.dispatch(l, msg, err) }) {
				return
			}
		}
	}()

	go func() {
		defer l.close()
		ping, _ := protocol.Encode(&protocol.Ping{})
		t := time.NewTicker(s.settings.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case data := <-l.send:
				if err := conn.WriteMessage(data); err != nil {
					logger.Warn("closing connection", "err", err)
					return
				}
			case <-t.C:
				if err := conn.WriteMessage(ping); err != nil {
					logger.Warn("heartbeat failed", "err", err)
					return
				}
			case <-l.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return l
}
