package tagsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-agent/internal/event"
	"github.com/horizon-agent/internal/reconnect"
)

// tagPeer is a fake tag backend: the fetch endpoint plus the update socket.
type tagPeer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	accepted chan *websocket.Conn
	reject   atomic.Bool
	rejected atomic.Int32
	pings    atomic.Int32
	tenants  chan string

	mu          sync.Mutex
	fetchStatus int
	results     []map[string]any
}

func (p *tagPeer) setFetch(status int, results ...map[string]any) {
	p.mu.Lock()
	p.fetchStatus = status
	p.results = results
	p.mu.Unlock()
}

func newTagPeer(t *testing.T) *tagPeer {
	t.Helper()
	p := &tagPeer{
		accepted:    make(chan *websocket.Conn, 8),
		fetchStatus: http.StatusOK,
		tenants:     make(chan string, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(fetchPath, func(w http.ResponseWriter, r *http.Request) {
		var req fetchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		p.tenants <- req.TenantName
		p.mu.Lock()
		status, results := p.fetchStatus, p.results
		p.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	})
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		if p.reject.Load() {
			p.rejected.Add(1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = c.WriteJSON(map[string]any{"type": "connection", "status": "connected", "tenant_name": r.URL.Query().Get("tenant_name")})
		p.accepted <- c
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "ping" {
				p.pings.Add(1)
				_ = c.WriteMessage(websocket.TextMessage, []byte("pong"))
			}
		}
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *tagPeer) config(policy reconnect.Policy) Config {
	return Config{
		WSBaseURL:       "ws" + strings.TrimPrefix(p.srv.URL, "http"),
		HTTPBaseURL:     p.srv.URL,
		PingInterval:    time.Hour,
		MonitorInterval: 20 * time.Millisecond,
		Reconnect:       policy,
	}
}

func (p *tagPeer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-p.accepted:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection accepted")
		return nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func watch(s *Session) *eventLog {
	l := &eventLog{}
	s.Bus().SubscribeAll(func(e event.Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, fmt.Sprintf("%s:%v", e.Kind, e.Data))
	}
	return out
}

func (l *eventLog) count(entry string) int {
	n := 0
	for _, k := range l.kinds() {
		if k == entry {
			n++
		}
	}
	return n
}

func (l *eventLog) waitFor(t *testing.T, entry string, times int) {
	t.Helper()
	require.Eventually(t, func() bool { return l.count(entry) >= times }, 2*time.Second, 5*time.Millisecond,
		"waiting for %s x%d, got %v", entry, times, l.kinds())
}

func (l *eventLog) find(kind event.Kind) (event.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return event.Event{}, false
}

func TestInitializeFetchesThenConnects(t *testing.T) {
	peer := newTagPeer(t)
	peer.setFetch(http.StatusOK,
		map[string]any{"uniqueid": "t1", "name": "Work", "color": "red"},
		map[string]any{"name": "no id", "color": "green"},
		map[string]any{"uniqueid": "t2", "name": "Home", "color": "blue"},
	)
	s := NewSession(peer.config(reconnect.Exponential(5*time.Millisecond, 20*time.Millisecond, 10)))
	log := watch(s)
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Initialize(context.Background(), "acme"))
	peer.nextConn(t)

	assert.Equal(t, "acme", <-peer.tenants)
	kinds := log.kinds()
	require.Len(t, kinds, 2)
	assert.True(t, strings.HasPrefix(kinds[0], "tags_loaded:"))
	assert.Equal(t, "connection_changed:true", kinds[1])

	assert.Equal(t, []Tag{{ID: "t1", Name: "Work", Color: "red"}, {ID: "t2", Name: "Home", Color: "blue"}}, s.Tags())
	st := s.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "acme", st.TenantName)
	assert.Equal(t, 2, st.TagCount)
}

func TestTagUpdateChangesColor(t *testing.T) {
	peer := newTagPeer(t)
	peer.setFetch(http.StatusOK, map[string]any{"uniqueid": "t1", "name": "Work", "color": "red"})
	s := NewSession(peer.config(reconnect.Exponential(5*time.Millisecond, 20*time.Millisecond, 10)))
	log := watch(s)
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Initialize(context.Background(), "acme"))
	c := peer.nextConn(t)

	require.NoError(t, c.WriteJSON(map[string]any{
		"type":   "tag_update",
		"action": "updated",
		"data":   map[string]any{"uniqueid": "t1", "name": "Work", "color": "blue"},
	}))
	want := Tag{ID: "t1", Name: "Work", Color: "blue"}
	log.waitFor(t, fmt.Sprintf("tag_updated:%v", want), 1)

	got, ok := s.GetTag("t1")
	require.True(t, ok)
	assert.Equal(t, "blue", got.Color)
	assert.Len(t, s.Tags(), 1)
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	peer := newTagPeer(t)
	s := NewSession(peer.config(reconnect.Exponential(5*time.Millisecond, 20*time.Millisecond, 10)))
	log := watch(s)
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Initialize(context.Background(), "acme"))
	c := peer.nextConn(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("pong")))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xfe, 0xfd}))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "tag_update", "action": "created", "data": map[string]any{"uniqueid": "x"}}))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "tag_update", "action": "created"}))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "tag_update", "action": "renamed", "data": map[string]any{"uniqueid": "x", "name": "n", "color": "c"}}))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "mystery"}))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "ping"}))
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage,
		[]byte(`{"type":"tag_update","action":"created","data":{"uniqueid":"ok","name":"Valid","color":"green"}}`)))

	log.waitFor(t, fmt.Sprintf("tag_created:%v", Tag{ID: "ok", Name: "Valid", Color: "green"}), 1)

	assert.Equal(t, []Tag{{ID: "ok", Name: "Valid", Color: "green"}}, s.Tags())
	assert.True(t, s.Status().Connected)
	assert.Zero(t, log.count("connection_changed:false"))
	_, hasErr := log.find(event.Error)
	assert.False(t, hasErr)
}

func TestFetchFailureLeavesSocketClosed(t *testing.T) {
	peer := newTagPeer(t)
	peer.setFetch(http.StatusInternalServerError)
	s := NewSession(peer.config(reconnect.Exponential(5*time.Millisecond, 20*time.Millisecond, 10)))
	log := watch(s)
	t.Cleanup(s.Disconnect)

	err := s.Initialize(context.Background(), "acme")
	require.ErrorIs(t, err, ErrFetchFailed)

	ev, ok := log.find(event.Error)
	require.True(t, ok)
	assert.Equal(t, "HTTP 500", ev.Data)
	assert.Equal(t, "HTTP 500", s.Status().LastError)

	select {
	case <-peer.accepted:
		t.Fatal("socket opened after failed fetch")
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, s.Status().Connected)
}

func TestMissingTenant(t *testing.T) {
	s := NewSession(Config{HTTPBaseURL: "http://127.0.0.1:1", WSBaseURL: "ws://127.0.0.1:1"})
	assert.ErrorIs(t, s.Initialize(context.Background(), ""), ErrNoTenant)
	assert.ErrorIs(t, s.Connect(context.Background(), ""), ErrNoTenant)
}

func TestReconnectsAfterPeerDrop(t *testing.T) {
	peer := newTagPeer(t)
	s := NewSession(peer.config(reconnect.Exponential(5*time.Millisecond, 20*time.Millisecond, 10)))
	log := watch(s)
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Initialize(context.Background(), "acme"))
	first := peer.nextConn(t)
	_ = first.Close()

	log.waitFor(t, "connection_changed:false", 1)
	peer.nextConn(t)
	log.waitFor(t, "connection_changed:true", 2)

	assert.True(t, s.Status().Connected)
	assert.Equal(t, 0, s.Status().ReconnectAttempts)
	select {
	case <-peer.accepted:
		t.Fatal("duplicate reconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGivesUpAfterCeiling(t *testing.T) {
	peer := newTagPeer(t)
	s := NewSession(peer.config(reconnect.Exponential(time.Millisecond, 4*time.Millisecond, 3)))
	log := watch(s)
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Initialize(context.Background(), "acme"))
	c := peer.nextConn(t)
	peer.reject.Store(true)
	_ = c.Close()

	require.Eventually(t, func() bool {
		_, ok := log.find(event.Error)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), peer.rejected.Load())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), peer.rejected.Load(), "monitor must not retrigger after giving up")
	assert.False(t, s.Status().Connected)
	assert.Equal(t, 1, log.count("connection_changed:false"))

	// a manual connect re-arms the session
	peer.reject.Store(false)
	require.NoError(t, s.Connect(context.Background(), ""))
	peer.nextConn(t)
	assert.True(t, s.Status().Connected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	peer := newTagPeer(t)
	s := NewSession(peer.config(reconnect.Exponential(5*time.Millisecond, 20*time.Millisecond, 10)))
	log := watch(s)

	require.NoError(t, s.Initialize(context.Background(), "acme"))
	peer.nextConn(t)

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, 1, log.count("connection_changed:false"))

	require.NoError(t, s.Connect(context.Background(), "acme"))
	assert.False(t, s.Status().Connected)
	select {
	case <-peer.accepted:
		t.Fatal("connect after disconnect opened a socket")
	case <-time.After(100 * time.Millisecond):
	}

	// Initialize clears the shutdown
	require.NoError(t, s.Initialize(context.Background(), "acme"))
	peer.nextConn(t)
	s.Disconnect()
	assert.Equal(t, 2, log.count("connection_changed:false"))
}

func TestKeepalivePings(t *testing.T) {
	peer := newTagPeer(t)
	cfg := peer.config(reconnect.Exponential(5*time.Millisecond, 20*time.Millisecond, 10))
	cfg.PingInterval = 10 * time.Millisecond
	s := NewSession(cfg)
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Initialize(context.Background(), "acme"))
	peer.nextConn(t)

	require.Eventually(t, func() bool { return peer.pings.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Status().Connected)
}

func TestRefreshTagsReplacesMirror(t *testing.T) {
	peer := newTagPeer(t)
	peer.setFetch(http.StatusOK, map[string]any{"uniqueid": "a", "name": "A", "color": "red"})
	s := NewSession(peer.config(reconnect.Exponential(5*time.Millisecond, 20*time.Millisecond, 10)))
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Initialize(context.Background(), "acme"))
	peer.nextConn(t)

	peer.setFetch(http.StatusOK, map[string]any{"uniqueid": "b", "name": "B", "color": "blue"})
	require.NoError(t, s.RefreshTags(context.Background()))
	assert.Equal(t, []Tag{{ID: "b", Name: "B", Color: "blue"}}, s.Tags())
}

func TestDisconnectFromConnectionHandler(t *testing.T) {
	peer := newTagPeer(t)
	s := NewSession(peer.config(reconnect.Exponential(5*time.Millisecond, 20*time.Millisecond, 10)))
	log := watch(s)

	returned := make(chan struct{})
	s.Subscribe(event.ConnectionChanged, func(e event.Event) {
		if e.Data == false {
			s.Disconnect()
			close(returned)
		}
	})

	require.NoError(t, s.Initialize(context.Background(), "acme"))
	c := peer.nextConn(t)
	_ = c.Close()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect inside a connection_changed handler did not return")
	}
	assert.False(t, s.Status().Connected)
	assert.Equal(t, 1, log.count("connection_changed:false"))

	select {
	case <-peer.accepted:
		t.Fatal("reconnected after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}

	done := make(chan struct{})
	go func() {
		s.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("later Disconnect hung")
	}
}

func TestAuthHeaderSentOnFetchAndHandshake(t *testing.T) {
	seen := make(chan string, 4)
	var up websocket.Upgrader
	mux := http.NewServeMux()
	mux.HandleFunc(fetchPath, func(w http.ResponseWriter, r *http.Request) {
		seen <- "fetch " + r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	})
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		seen <- "socket " + r.Header.Get("Authorization")
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSession(Config{
		WSBaseURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		HTTPBaseURL: srv.URL,
	}, WithAuthHeader(func() http.Header {
		return http.Header{"Authorization": {"Bearer t0k"}}
	}))
	defer s.Disconnect()

	require.NoError(t, s.Initialize(context.Background(), "acme"))
	assert.Equal(t, "fetch Bearer t0k", <-seen)
	assert.Equal(t, "socket Bearer t0k", <-seen)
}
