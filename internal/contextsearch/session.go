// Package contextsearch sends screen text to the note-search backend over a
// websocket and keeps the latest matching notes.
package contextsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/horizon-agent/internal/event"
	"github.com/horizon-agent/internal/logger"
	"github.com/horizon-agent/internal/reconnect"
	"github.com/horizon-agent/internal/transport"
)

type Option func(*Session)

func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.log = logger.OrNop(l).With("session", "context_search") }
}

// WithAuthHeader adds fn's headers to every socket handshake.
func WithAuthHeader(fn func() http.Header) Option {
	return func(s *Session) { s.authHeader = fn }
}

type Session struct {
	cfg     Config
	log     *logger.Logger
	bus     *event.Bus
	retrier *reconnect.Retrier
	lost    chan struct{}

	authHeader func() http.Header

	connectMu sync.Mutex

	mu              sync.Mutex
	conn            *transport.Conn
	method          SearchMethod
	shouldReconnect bool
	searching       bool
	results         *Results
	lastErr         string
	lifeCancel      context.CancelFunc
	connCancel      context.CancelFunc
	wg              sync.WaitGroup
}

func NewSession(cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:     cfg,
		log:     logger.Nop(),
		bus:     event.NewBus("context_search"),
		retrier: reconnect.NewRetrier(cfg.Reconnect),
		lost:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) Bus() *event.Bus { return s.bus }

func (s *Session) Subscribe(kind event.Kind, h event.Handler) func() {
	return s.bus.Subscribe(kind, h)
}

// Connect replaces any open socket with one to method's endpoint and enables
// reconnection. A failed dial is reported and retried in the background.
func (s *Session) Connect(ctx context.Context, method SearchMethod) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	old, oldCancel := s.conn, s.connCancel
	s.conn, s.connCancel = nil, nil
	s.method = method
	s.shouldReconnect = true
	s.startLifetimeLocked()
	s.mu.Unlock()

	if old != nil {
		oldCancel()
		_ = old.Close()
		s.bus.Publish(event.ConnectionChanged, false)
	}

	if err := s.open(ctx); err != nil {
		s.fail(err.Error())
		s.signalLost()
		return err
	}
	return nil
}

func (s *Session) startLifetimeLocked() {
	if s.lifeCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.lifeCancel = cancel
	s.wg.Add(1)
	go s.supervise(ctx)
}

// open dials the current endpoint. connectMu must be held.
func (s *Session) open(ctx context.Context) error {
	s.mu.Lock()
	method := s.method
	s.mu.Unlock()

	u := strings.TrimRight(s.cfg.WSBaseURL, "/") + method.Path()
	s.log.Info("connecting to context search %s", u)
	var header http.Header
	if s.authHeader != nil {
		header = s.authHeader()
	}
	conn, err := transport.Dial(ctx, u, transport.DialOptions{HandshakeTimeout: s.cfg.HandshakeTimeout, Header: header})
	if err != nil {
		return fmt.Errorf("dial context search: %w", err)
	}

	s.mu.Lock()
	if !s.shouldReconnect || s.lifeCancel == nil {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	connCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCancel = cancel
	s.lastErr = ""
	s.wg.Add(1)
	go s.receiveLoop(connCtx, conn)
	s.mu.Unlock()

	s.retrier.Reset()
	s.log.Info("connected to context search (conn %s)", conn.ID)
	s.bus.Publish(event.ConnectionChanged, true)
	return nil
}

// Search sends query for tenant and returns without waiting for results,
// which arrive as a ResultsReceived or Error event. It connects first with
// the configured method when no socket is open.
func (s *Session) Search(ctx context.Context, query, tenant string) error {
	if !s.Connected() {
		s.log.Info("not connected, connecting before search")
		if err := s.Connect(ctx, s.cfg.Method); err != nil {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		s.fail(ErrNotConnected.Error())
		return ErrNotConnected
	}
	s.searching = true
	s.mu.Unlock()

	s.log.Debug("sending context search for %q", preview(query, 100))
	if err := conn.SendJSON(searchRequest{ScreenOCR: query, TenantName: tenant}); err != nil {
		s.setSearching(false)
		s.fail(fmt.Sprintf("send search request: %v", err))
		return fmt.Errorf("send search request: %w", err)
	}
	return nil
}

// Disconnect closes the socket and stops reconnecting until the next Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.shouldReconnect = false
	s.searching = false
	lifeCancel, connCancel, conn := s.lifeCancel, s.connCancel, s.conn
	s.lifeCancel, s.connCancel, s.conn = nil, nil, nil
	s.mu.Unlock()

	if lifeCancel != nil {
		lifeCancel()
	}
	if connCancel != nil {
		connCancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	// a handler on one of our loops would wait on itself; cancelled loops
	// exit on their own
	if !s.bus.Dispatching() {
		s.wg.Wait()
	}
	s.retrier.Reset()

	if conn != nil {
		s.log.Info("disconnected")
		s.bus.Publish(event.ConnectionChanged, false)
	}
}

func (s *Session) receiveLoop(ctx context.Context, conn *transport.Conn) {
	defer s.wg.Done()
	for {
		f, err := conn.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if transport.IsClosed(err) {
				s.log.Info("context search socket closed: %v", err)
			} else {
				s.log.Warn("context search read failed: %v", err)
			}
			break
		}
		s.handleFrame(f)
	}
	s.dropConn(conn)
	s.signalLost()
}

func (s *Session) handleFrame(f transport.Frame) {
	if f.Binary && !utf8.Valid(f.Data) {
		s.log.Warn("non-text binary frame (%d bytes) dropped", len(f.Data))
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Data, &fields); err != nil {
		s.setSearching(false)
		s.fail(fmt.Sprintf("decode search response: %v", err))
		return
	}
	if raw, ok := fields["error"]; ok {
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg = string(raw)
		}
		s.setSearching(false)
		s.fail(msg)
		return
	}

	res, err := decodeResults(f.Data, time.Now())
	if err != nil {
		s.setSearching(false)
		s.fail(fmt.Sprintf("decode search response: %v", err))
		return
	}
	s.mu.Lock()
	s.results = res
	s.searching = false
	s.mu.Unlock()
	s.log.Info("received %d context search results", res.TotalResults)
	s.bus.Publish(event.ResultsReceived, *res)
}

func (s *Session) dropConn(conn *transport.Conn) {
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
		s.searching = false
		if s.connCancel != nil {
			s.connCancel()
			s.connCancel = nil
		}
	}
	s.mu.Unlock()

	_ = conn.Close()
	if current {
		s.bus.Publish(event.ConnectionChanged, false)
	}
}

func (s *Session) signalLost() {
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

func (s *Session) supervise(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.lost:
		}
		s.reconnect(ctx)
	}
}

func (s *Session) reconnect(ctx context.Context) {
	for {
		s.mu.Lock()
		idle := !s.shouldReconnect || s.method == "" || s.conn != nil
		s.mu.Unlock()
		if idle {
			return
		}

		attempt, err := s.retrier.Wait(ctx)
		if err != nil {
			// only a capped policy or shutdown ends the loop
			if ctx.Err() == nil {
				s.fail(fmt.Sprintf("context search: %v", err))
			}
			return
		}

		s.log.Info("reconnecting to context search (attempt %d)", attempt)
		s.connectMu.Lock()
		s.mu.Lock()
		stillDown := s.shouldReconnect && s.conn == nil
		s.mu.Unlock()
		if stillDown {
			err = s.open(ctx)
		}
		s.connectMu.Unlock()
		if err == nil || ctx.Err() != nil {
			return
		}
		s.fail(err.Error())
	}
}

func (s *Session) fail(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
	s.log.Error("%s", msg)
	s.bus.Publish(event.Error, msg)
}

func (s *Session) setSearching(v bool) {
	s.mu.Lock()
	s.searching = v
	s.mu.Unlock()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) Searching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searching
}

// Results returns the latest response, or nil before the first one.
func (s *Session) Results() *Results {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		return nil
	}
	r := *s.results
	r.Notes = append([]Note(nil), s.results.Notes...)
	return &r
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Connected:         s.conn != nil,
		Searching:         s.searching,
		Method:            s.method,
		ReconnectAttempts: s.retrier.Attempts(),
		LastError:         s.lastErr,
	}
	if s.results != nil {
		st.ResultCount = len(s.results.Notes)
	}
	return st
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
