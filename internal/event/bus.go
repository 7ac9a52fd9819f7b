// Package event fans session events out to in-process subscribers and,
// optionally, to a watermill mirror that the UI bridge streams from.
package event

import (
	"sync"
	"sync/atomic"
)

// Kind names an event.
type Kind string

const (
	ConnectionChanged Kind = "connection_changed"
	Error             Kind = "error"

	// chat
	ChunkReceived    Kind = "chunk_received"
	MessageReceived  Kind = "message_received"
	ResponseComplete Kind = "response_complete"
	ThinkingChanged  Kind = "thinking_changed"

	// tag sync
	TagCreated Kind = "tag_created"
	TagUpdated Kind = "tag_updated"
	TagDeleted Kind = "tag_deleted"
	TagsLoaded Kind = "tags_loaded"

	// context search
	ResultsReceived Kind = "results_received"
	NotesUpdated    Kind = "notes_updated"
	LoadingChanged  Kind = "loading_changed"
)

// Event is what handlers receive. Source names the publishing session.
type Event struct {
	Kind   Kind   `json:"kind"`
	Source string `json:"source"`
	Data   any    `json:"data,omitempty"`
}

type Handler func(Event)

type entry struct {
	id uint64
	fn Handler
}

// Bus delivers events synchronously, in subscription order, on the
// publisher's goroutine.
type Bus struct {
	source string

	mu     sync.RWMutex
	byKind map[Kind][]entry
	global []entry
	mirror *Mirror
	nextID uint64

	dispatching atomic.Int32
}

func NewBus(source string) *Bus {
	return &Bus{
		source: source,
		byKind: make(map[Kind][]entry),
	}
}

func (b *Bus) Source() string { return b.source }

// MirrorTo copies every published event onto m after local delivery.
func (b *Bus) MirrorTo(m *Mirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// Subscribe registers fn for one kind and returns its unsubscribe func.
func (b *Bus) Subscribe(kind Kind, fn Handler) func() {
	id := atomic.AddUint64(&b.nextID, 1)
	b.mu.Lock()
	b.byKind[kind] = append(b.byKind[kind], entry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

// SubscribeAll registers fn for every kind.
func (b *Bus) SubscribeAll(fn Handler) func() {
	id := atomic.AddUint64(&b.nextID, 1)
	b.mu.Lock()
	b.global = append(b.global, entry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeGlobal(id) })
	}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byKind[kind]
	for i, e := range subs {
		if e.id == id {
			b.byKind[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.global {
		if e.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			return
		}
	}
}

// Dispatching reports whether a Publish is running. A session checks it
// before waiting on its own goroutines, since the caller may be one of its
// handlers.
func (b *Bus) Dispatching() bool { return b.dispatching.Load() > 0 }

// Publish calls kind subscribers, then global subscribers, then the mirror.
// Callers must not hold locks that handlers may need.
func (b *Bus) Publish(kind Kind, data any) {
	ev := Event{Kind: kind, Source: b.source, Data: data}
	b.dispatching.Add(1)
	defer b.dispatching.Add(-1)

	b.mu.RLock()
	subs := make([]Handler, 0, len(b.byKind[kind])+len(b.global))
	for _, e := range b.byKind[kind] {
		subs = append(subs, e.fn)
	}
	for _, e := range b.global {
		subs = append(subs, e.fn)
	}
	mirror := b.mirror
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
	if mirror != nil {
		mirror.publish(ev)
	}
}
