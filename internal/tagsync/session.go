// Package tagsync keeps a live local mirror of a tenant's tags: one full fetch
// over HTTP, then incremental updates over a websocket.
package tagsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/horizon-agent/internal/event"
	"github.com/horizon-agent/internal/logger"
	"github.com/horizon-agent/internal/reconnect"
	"github.com/horizon-agent/internal/transport"
)

const wsPath = "/constella_db/tag/ws"

type Option func(*Session)

func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.log = logger.OrNop(l).With("session", "tags") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.http = c }
}

// WithAuthHeader adds fn's headers to the tag fetch and the socket handshake.
func WithAuthHeader(fn func() http.Header) Option {
	return func(s *Session) { s.authHeader = fn }
}

type Session struct {
	cfg     Config
	log     *logger.Logger
	bus     *event.Bus
	http    *http.Client
	retrier *reconnect.Retrier
	tags    *mirror

	authHeader func() http.Header

	// lost is the single "connection lost" signal; only supervise reads it.
	lost chan struct{}

	connectMu sync.Mutex

	mu         sync.Mutex
	tenant     string
	conn       *transport.Conn
	shutdown   bool
	gaveUp     bool
	loading    bool
	lastErr    string
	lifeCancel context.CancelFunc
	connCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewSession(cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:     cfg,
		log:     logger.Nop(),
		bus:     event.NewBus("tags"),
		http:    &http.Client{},
		retrier: reconnect.NewRetrier(cfg.Reconnect),
		tags:    newMirror(),
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

// Initialize loads every tag for tenant, then opens the live socket. A failed
// fetch leaves the socket closed.
func (s *Session) Initialize(ctx context.Context, tenant string) error {
	s.mu.Lock()
	s.shutdown = false
	s.tenant = tenant
	s.mu.Unlock()

	if err := s.RefreshTags(ctx); err != nil {
		return err
	}
	return s.Connect(ctx, tenant)
}

// Connect opens the live socket. It is a no-op when already connected or
// after Disconnect. A failed dial is retried in the background.
func (s *Session) Connect(ctx context.Context, tenant string) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.shutdown || s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if tenant != "" {
		s.tenant = tenant
	}
	if s.tenant == "" {
		s.mu.Unlock()
		return ErrNoTenant
	}
	s.gaveUp = false
	s.startLifetimeLocked()
	s.mu.Unlock()

	if err := s.open(ctx); err != nil {
		s.log.Warn("connect failed: %v", err)
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
	s.wg.Add(2)
	go s.supervise(ctx)
	go s.monitor(ctx)
}

// open dials and starts the per-connection loops. connectMu must be held.
func (s *Session) open(ctx context.Context) error {
	s.mu.Lock()
	tenant := s.tenant
	s.mu.Unlock()

	u := strings.TrimRight(s.cfg.WSBaseURL, "/") + wsPath + "?tenant_name=" + url.QueryEscape(tenant)
	conn, err := transport.Dial(ctx, u, transport.DialOptions{HandshakeTimeout: s.cfg.HandshakeTimeout, Header: s.header()})
	if err != nil {
		return fmt.Errorf("dial tag socket: %w", err)
	}

	s.mu.Lock()
	if s.shutdown || s.lifeCancel == nil {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	connCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCancel = cancel
	s.gaveUp = false
	s.wg.Add(2)
	go s.receiveLoop(connCtx, conn)
	go s.pingLoop(connCtx, conn)
	s.mu.Unlock()

	s.retrier.Reset()
	s.log.Info("connected to tag socket (conn %s)", conn.ID)
	s.bus.Publish(event.ConnectionChanged, true)
	return nil
}

// Disconnect stops every loop, closes the socket and idle HTTP connections
// and disables reconnection until the next Initialize.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.shutdown = true
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
	s.http.CloseIdleConnections()
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
				s.log.Info("tag socket closed by peer: %v", err)
			} else {
				s.log.Warn("tag socket read failed: %v", err)
			}
			break
		}
		s.handleFrame(f)
	}
	s.dropConn(conn)
	s.signalLost()
}

func (s *Session) pingLoop(ctx context.Context, conn *transport.Conn) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := conn.SendText("ping"); err != nil {
			s.log.Warn("ping failed: %v", err)
			// unblock the receive loop so it reports the loss
			_ = conn.Close()
			return
		}
	}
}

// dropConn forgets conn if it is still current and reports the loss.
func (s *Session) dropConn(conn *transport.Conn) {
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
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

func (s *Session) header() http.Header {
	if s.authHeader == nil {
		return nil
	}
	return s.authHeader()
}

func (s *Session) signalLost() {
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

// monitor re-raises the lost signal while the socket is down.
func (s *Session) monitor(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.mu.Lock()
		down := !s.shutdown && !s.gaveUp && s.conn == nil && s.tenant != ""
		s.mu.Unlock()
		if down {
			s.signalLost()
		}
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
		idle := s.shutdown || s.gaveUp || s.conn != nil
		s.mu.Unlock()
		if idle {
			return
		}

		attempt, err := s.retrier.Wait(ctx)
		if errors.Is(err, reconnect.ErrExhausted) {
			s.mu.Lock()
			s.gaveUp = true
			s.mu.Unlock()
			s.retrier.Reset()
			s.fail("tag socket: reconnect attempts exhausted")
			return
		}
		if err != nil {
			return
		}

		s.log.Info("reconnecting (attempt %d/%d)", attempt, s.cfg.Reconnect.MaxAttempts)
		s.connectMu.Lock()
		s.mu.Lock()
		stillDown := !s.shutdown && s.conn == nil
		s.mu.Unlock()
		if stillDown {
			err = s.open(ctx)
		}
		s.connectMu.Unlock()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("reconnect attempt %d failed: %v", attempt, err)
	}
}

func (s *Session) fail(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
	s.log.Error("%s", msg)
	s.bus.Publish(event.Error, msg)
}

func (s *Session) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *Session) GetTag(id string) (Tag, bool) { return s.tags.get(id) }

// GetTagsContaining matches names case-insensitively; "" returns every tag.
func (s *Session) GetTagsContaining(substr string) []Tag { return s.tags.containing(substr) }

func (s *Session) Tags() []Tag { return s.tags.all() }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Connected:         s.conn != nil,
		Loading:           s.loading,
		TenantName:        s.tenant,
		TagCount:          s.tags.len(),
		ReconnectAttempts: s.retrier.Attempts(),
		LastError:         s.lastErr,
	}
}
