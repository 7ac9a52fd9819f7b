package tagsync

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/horizon-agent/internal/event"
	"github.com/horizon-agent/internal/transport"
)

// envelope is every JSON frame the tag socket sends.
type envelope struct {
	Type       string          `json:"type"`
	Action     string          `json:"action,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Status     string          `json:"status,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	TenantName string          `json:"tenant_name,omitempty"`
}

type tagData struct {
	UniqueID string `json:"uniqueid"`
	Name     string `json:"name"`
	Color    string `json:"color"`
}

func (d tagData) tag() (Tag, bool) {
	if d.UniqueID == "" || d.Name == "" || d.Color == "" {
		return Tag{}, false
	}
	return Tag{ID: d.UniqueID, Name: d.Name, Color: d.Color}, true
}

// handleFrame applies one inbound frame. Bad frames are logged and dropped.
func (s *Session) handleFrame(f transport.Frame) {
	if f.Binary && !utf8.Valid(f.Data) {
		s.log.Warn("non-text binary frame (%d bytes) dropped", len(f.Data))
		return
	}
	text := f.Text()
	if text == "pong" {
		return
	}
	var env envelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		s.log.Warn("unparseable tag frame: %v", err)
		return
	}
	s.applyUpdate(env)
}

func (s *Session) applyUpdate(env envelope) {
	switch env.Type {
	case "connection":
		s.log.Info("tag socket says %q (tenant %s)", env.Status, env.TenantName)
	case "tag_update":
		if env.Action == "" || len(env.Data) == 0 || string(env.Data) == "null" {
			return
		}
		var d tagData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			s.log.Warn("bad tag payload for %s: %v", env.Action, err)
			return
		}
		switch env.Action {
		case "created", "updated":
			t, ok := d.tag()
			if !ok {
				return
			}
			s.tags.upsert(t)
			kind := event.TagCreated
			if env.Action == "updated" {
				kind = event.TagUpdated
			}
			s.bus.Publish(kind, t)
		case "deleted":
			if d.UniqueID == "" {
				return
			}
			s.tags.remove(d.UniqueID)
			s.bus.Publish(event.TagDeleted, d.UniqueID)
		default:
			s.log.Warn("unknown tag action %q", env.Action)
		}
	case "ping":
	default:
		s.log.Warn("unknown tag frame type %q", env.Type)
	}
}
