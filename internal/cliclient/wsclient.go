// Package cliclient is the terminal client for the daemon's /ws bridge.
package cliclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/horizon-agent/biz/transport"
)

type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSClient(ctx context.Context, rawURL, token string) (*WSClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("bad url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	d := &websocket.Dialer{HandshakeTimeout: 8 * time.Second}
	c, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return &WSClient{conn: c}, nil
}

func (w *WSClient) Close() error {
	return w.conn.Close()
}

func (w *WSClient) SendJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// pump feeds every decodable frame to out until the socket fails.
func (w *WSClient) pump(out chan<- transport.MsgResponse) {
	defer close(out)
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		var m transport.MsgResponse
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		if m.Type == transport.TypeEvent {
			// events are advisory; never let them stall chat frames
			select {
			case out <- m:
			default:
			}
			continue
		}
		out <- m
	}
}
