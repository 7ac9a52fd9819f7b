package contextsearch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon-agent/internal/event"
)

func TestCoordinatorPublishesNotes(t *testing.T) {
	peer := newSearchPeer(t)
	peer.answer(func(req searchRequest) any {
		return map[string]any{"results": []map[string]any{
			{"id": "a", "title": "Invoices", "content": req.ScreenOCR},
			{"id": "b", "title": "Receipts", "uniqueid": "u-b"},
		}}
	})
	c := NewCoordinator(NewSession(peer.config()))
	defer c.Disconnect()
	defer c.Close()
	log := watch(c.Bus())

	require.NoError(t, c.Search(context.Background(), "invoice total", "tenant"))
	notes := log.waitFor(t, event.NotesUpdated, 1)[0].Data.([]Note)
	require.Len(t, notes, 2)
	assert.Equal(t, "invoice total", notes[0].Content)
	assert.Equal(t, "u-b", notes[1].UniqueID)
	assert.Equal(t, notes, c.Notes())
	assert.False(t, c.Loading())

	var loading []any
	for _, e := range log.of(event.LoadingChanged) {
		loading = append(loading, e.Data)
	}
	assert.Equal(t, []any{true, false}, loading)
}

func TestCoordinatorSurfacesBackendError(t *testing.T) {
	peer := newSearchPeer(t)
	peer.answer(func(searchRequest) any { return map[string]any{"error": "backend unavailable"} })
	c := NewCoordinator(NewSession(peer.config()))
	defer c.Disconnect()
	defer c.Close()
	log := watch(c.Bus())

	require.NoError(t, c.Search(context.Background(), "invoice total", "tenant"))
	errs := log.waitFor(t, event.Error, 1)
	assert.Equal(t, "backend unavailable", errs[0].Data)
	assert.Equal(t, "backend unavailable", c.LastError())
	assert.False(t, c.Loading())
	assert.Empty(t, log.of(event.NotesUpdated))
	assert.Empty(t, c.Notes())
}

func TestCoordinatorClearsLoadingOnDisconnect(t *testing.T) {
	peer := newSearchPeer(t)
	c := NewCoordinator(NewSession(peer.config()))
	defer c.Close()
	log := watch(c.Bus())

	require.NoError(t, c.Search(context.Background(), "q", "tenant"))
	assert.True(t, c.Loading())

	c.Disconnect()
	assert.False(t, c.Loading())
	assert.Len(t, log.of(event.LoadingChanged), 2)
}

func TestCoordinatorSearchWithoutBackend(t *testing.T) {
	cfg := Config{WSBaseURL: "ws://127.0.0.1:1", HandshakeTimeout: 200 * time.Millisecond}
	c := NewCoordinator(NewSession(cfg))
	defer c.Disconnect()
	defer c.Close()

	err := c.Search(context.Background(), "q", "tenant")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.Loading())
	assert.NotEmpty(t, c.LastError())
}
