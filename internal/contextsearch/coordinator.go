package contextsearch

import (
	"context"
	"sync"

	"github.com/horizon-agent/internal/event"
)

// Coordinator turns raw search results into the notes list the UI shows,
// with a loading flag and the last error.
type Coordinator struct {
	search *Session
	bus    *event.Bus
	unsubs []func()

	mu      sync.Mutex
	notes   []Note
	loading bool
	lastErr string
}

func NewCoordinator(s *Session) *Coordinator {
	c := &Coordinator{search: s, bus: event.NewBus("context")}
	c.unsubs = []func(){
		s.Subscribe(event.ResultsReceived, c.onResults),
		s.Subscribe(event.ConnectionChanged, c.onConnection),
		s.Subscribe(event.Error, c.onError),
	}
	return c
}

func (c *Coordinator) Bus() *event.Bus { return c.bus }

func (c *Coordinator) Subscribe(kind event.Kind, h event.Handler) func() {
	return c.bus.Subscribe(kind, h)
}

func (c *Coordinator) Session() *Session { return c.search }

func (c *Coordinator) Connect(ctx context.Context, method SearchMethod) error {
	return c.search.Connect(ctx, method)
}

// Search marks the coordinator loading and hands ocr to the session. Errors
// reach subscribers through the session's Error event as well.
func (c *Coordinator) Search(ctx context.Context, ocr, tenant string) error {
	c.mu.Lock()
	c.loading = true
	c.lastErr = ""
	c.mu.Unlock()
	c.bus.Publish(event.LoadingChanged, true)

	return c.search.Search(ctx, ocr, tenant)
}

func (c *Coordinator) Disconnect() { c.search.Disconnect() }

// Close detaches from the session.
func (c *Coordinator) Close() {
	for _, u := range c.unsubs {
		u()
	}
}

func (c *Coordinator) onResults(ev event.Event) {
	res, ok := ev.Data.(Results)
	if !ok {
		return
	}
	c.mu.Lock()
	c.notes = res.Notes
	c.loading = false
	notes := append([]Note(nil), c.notes...)
	c.mu.Unlock()

	c.bus.Publish(event.NotesUpdated, notes)
	c.bus.Publish(event.LoadingChanged, false)
}

func (c *Coordinator) onConnection(ev event.Event) {
	if up, _ := ev.Data.(bool); up {
		return
	}
	if !c.stopLoading() {
		return
	}
	c.bus.Publish(event.LoadingChanged, false)
}

func (c *Coordinator) onError(ev event.Event) {
	msg, _ := ev.Data.(string)
	c.mu.Lock()
	c.lastErr = msg
	c.loading = false
	c.mu.Unlock()

	c.bus.Publish(event.Error, msg)
	c.bus.Publish(event.LoadingChanged, false)
}

func (c *Coordinator) stopLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.loading
	c.loading = false
	return was
}

func (c *Coordinator) Notes() []Note {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Note(nil), c.notes...)
}

func (c *Coordinator) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Coordinator) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
