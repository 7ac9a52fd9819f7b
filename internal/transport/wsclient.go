package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const DefaultHandshakeTimeout = 10 * time.Second

// DialOptions tunes Dial.
type DialOptions struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Frame is one inbound websocket message. Binary payloads are exposed as text.
type Frame struct {
	Binary bool
	Data   []byte
}

func (f Frame) Text() string { return string(f.Data) }

// Conn is a client websocket owned by exactly one session. Writes are
// serialised; Read must only be called from one goroutine.
type Conn struct {
	ID  string
	URL string

	c         *websocket.Conn
	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial opens a websocket to rawURL.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Conn, error) {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	c, resp, err := d.DialContext(ctx, rawURL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return &Conn{ID: uuid.NewString(), URL: rawURL, c: c}, nil
}

func (c *Conn) SendText(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.c.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *Conn) SendJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.c.WriteJSON(v)
}

// Read blocks for the next data frame.
func (c *Conn) Read() (Frame, error) {
	for {
		mt, data, err := c.c.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		switch mt {
		case websocket.TextMessage:
			return Frame{Data: data}, nil
		case websocket.BinaryMessage:
			return Frame{Binary: true, Data: data}, nil
		}
	}
}

// Close sends a normal close frame and releases the socket. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		c.closeErr = c.c.Close()
	})
	return c.closeErr
}

// IsClosed reports whether err means the peer or we closed the socket.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	_, ok := err.(*websocket.CloseError)
	return ok
}
