package tagsync

import (
	"strings"
	"sync"
)

// mirror is the insertion-ordered local copy of the tenant's tags.
type mirror struct {
	mu    sync.RWMutex
	tags  []Tag
	index map[string]int
}

func newMirror() *mirror {
	return &mirror{index: make(map[string]int)}
}

// replace swaps in a full fetch result. Later duplicates win.
func (m *mirror) replace(tags []Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags = m.tags[:0]
	m.index = make(map[string]int, len(tags))
	for _, t := range tags {
		m.upsertLocked(t)
	}
}

func (m *mirror) upsert(t Tag) {
	m.mu.Lock()
	m.upsertLocked(t)
	m.mu.Unlock()
}

func (m *mirror) upsertLocked(t Tag) {
	if i, ok := m.index[t.ID]; ok {
		m.tags[i] = t
		return
	}
	m.index[t.ID] = len(m.tags)
	m.tags = append(m.tags, t)
}

func (m *mirror) remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[id]
	if !ok {
		return false
	}
	m.tags = append(m.tags[:i], m.tags[i+1:]...)
	delete(m.index, id)
	for j := i; j < len(m.tags); j++ {
		m.index[m.tags[j].ID] = j
	}
	return true
}

func (m *mirror) get(id string) (Tag, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[id]
	if !ok {
		return Tag{}, false
	}
	return m.tags[i], true
}

func (m *mirror) all() []Tag {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tag, len(m.tags))
	copy(out, m.tags)
	return out
}

func (m *mirror) containing(substr string) []Tag {
	if substr == "" {
		return m.all()
	}
	needle := strings.ToLower(substr)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Tag
	for _, t := range m.tags {
		if strings.Contains(strings.ToLower(t.Name), needle) {
			out = append(out, t)
		}
	}
	return out
}

func (m *mirror) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tags)
}
