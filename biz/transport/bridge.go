package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	heartbeatInterval = 15 * time.Second
	writeWait         = 10 * time.Second
	eventQueueSize    = 256
)

type Sender interface {
	Send(v any) error
}

// WsSender serialises writes to one bridge socket.
type WsSender struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (s *WsSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.c.SetWriteDeadline(time.Now().Add(writeWait))
	return s.c.WriteJSON(v)
}

func (s *WsSender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
}

// Upgrader accepts any origin; the daemon only listens on loopback.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// bridge carries chat requests from the UI and forwards every mirrored
// session event back to it.
func (s *Server) bridge(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sender := &WsSender{c: conn}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	s.log.Info("bridge client connected from %s", r.RemoteAddr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if err := sender.ping(); err != nil {
				return
			}
		}
	}()

	if s.deps.Events != nil {
		events, err := s.deps.Events.Stream(ctx)
		if err != nil {
			s.log.Warn("event stream unavailable: %v", err)
		} else {
			// decouple session publishers from this client's socket
			queue := make(chan MsgResponse, eventQueueSize)
			wg.Add(2)
			go func() {
				defer wg.Done()
				defer close(queue)
				for env := range events {
					env := env
					select {
					case queue <- MsgResponse{Type: TypeEvent, Event: &env}:
					default:
						s.log.Debug("bridge queue full, dropping %s event", env.Kind)
					}
				}
			}()
			go func() {
				defer wg.Done()
				for m := range queue {
					if err := sender.Send(m); err != nil {
						s.log.Debug("forward %s event: %v", m.Event.Kind, err)
					}
				}
			}()
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Info("bridge client %s gone: %v", r.RemoteAddr, err)
			return
		}
		var msg MsgRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = sender.Send(MsgResponse{Type: TypeError, ErrorCode: "bad_request", ErrorMsg: err.Error()})
			continue
		}

		switch msg.Type {
		case TypeChatSend:
			if s.deps.Orchestrator == nil {
				_ = sender.Send(MsgResponse{Type: TypeError, ID: msg.ID, ErrorCode: "not_connected", ErrorMsg: "chat is not configured"})
				continue
			}
			wg.Add(1)
			go func(m MsgRequest) {
				defer wg.Done()
				if err := s.deps.Orchestrator.Run(ctx, m, sender); err != nil {
					s.log.Warn("run %s: %v", m.ID, err)
				}
			}(msg)
		case TypeChatCancel:
			if s.deps.Orchestrator != nil {
				s.deps.Orchestrator.Cancel(msg.ID)
			}
		case TypePing:
			_ = sender.Send(MsgResponse{Type: TypePong, ID: msg.ID})
		default:
			_ = sender.Send(MsgResponse{Type: TypeError, ID: msg.ID, ErrorCode: "bad_request", ErrorMsg: "unknown type " + msg.Type})
		}
	}
}
