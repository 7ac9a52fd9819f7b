package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/horizon-agent/internal/chat"
	"github.com/horizon-agent/internal/contextsearch"
	"github.com/horizon-agent/internal/tagsync"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "healthy"}
	if s.deps.Chat != nil {
		out["chat_connected"] = s.deps.Chat.Status().Connected
	}
	if s.deps.Tags != nil {
		out["tags_connected"] = s.deps.Tags.Status().Connected
	}
	if s.deps.Context != nil {
		out["context_connected"] = s.deps.Context.Session().Connected()
	}
	if s.deps.Auth != nil {
		out["authenticated"] = s.deps.Auth.IsAuthenticated()
	}
	writeJSON(w, http.StatusOK, out)
}

// systemStatus reports every service in one document. Sections for services
// the daemon was started without are omitted.
func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if a := s.deps.Auth; a != nil {
		out["authentication"] = map[string]any{
			"authenticated": a.IsAuthenticated(),
			"valid":         a.Valid(r.Context()),
			"tenant_name":   s.tenant(r.Context()),
			"user":          a.UserInfo(),
		}
	}
	if c := s.deps.Chat; c != nil {
		st := c.Status()
		out["ai_connection"] = map[string]any{
			"connected":     st.Connected,
			"receiving":     st.Receiving,
			"message_count": st.MessageCount,
		}
	}
	if t := s.deps.Tags; t != nil {
		st := t.Status()
		out["tag_manager"] = map[string]any{
			"connected": st.Connected,
			"tag_count": st.TagCount,
			"loading":   st.Loading,
		}
	}
	if c := s.deps.Context; c != nil {
		out["context_search"] = map[string]any{
			"connected":  c.Session().Connected(),
			"note_count": len(c.Notes()),
			"loading":    c.Loading(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": out})
}

type sendMessageBody struct {
	Message      string `json:"message"`
	OCRText      string `json:"ocr_text"`
	SelectedText string `json:"selected_text"`
	BrowserURL   string `json:"browser_url"`
	DeepAnalysis bool   `json:"deep_analysis"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body sendMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "message is required")
		return
	}

	text, err := s.deps.Chat.SendMessage(r.Context(), chat.Request{
		Text:         body.Message,
		OCRText:      body.OCRText,
		SelectedText: body.SelectedText,
		BrowserURL:   body.BrowserURL,
		DeepAnalysis: body.DeepAnalysis,
	})
	if err != nil {
		status, code := chatErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "response": text})
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, chat.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case errors.Is(err, chat.ErrNotConnected), errors.Is(err, chat.ErrConnectionFailure):
		return http.StatusServiceUnavailable, "not_connected"
	}
	return http.StatusBadGateway, "llm_error"
}

func (s *Server) stopGeneration(w http.ResponseWriter, r *http.Request) {
	s.deps.Chat.StopGeneration()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) chatStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Chat.Status())
}

func (s *Server) chatMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":       s.deps.Chat.Messages(),
		"current_stream": s.deps.Chat.CurrentStream(),
	})
}

func (s *Server) clearConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Chat.ClearConversation(); err != nil {
		writeError(w, http.StatusConflict, "busy", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	tags := s.deps.Tags.Tags()
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags, "count": len(tags)})
}

func (s *Server) searchTags(w http.ResponseWriter, r *http.Request) {
	tags := s.deps.Tags.GetTagsContaining(r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags, "count": len(tags)})
}

func (s *Server) tagStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tags.Status())
}

func (s *Server) getTag(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tag, ok := s.deps.Tags.GetTag(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "tag "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, tag)
}

func (s *Server) refreshTags(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tags.RefreshTags(r.Context()); err != nil {
		if errors.Is(err, tagsync.ErrNoTenant) {
			writeError(w, http.StatusBadRequest, "no_tenant", err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "fetch_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(s.deps.Tags.Tags())})
}

type contextSearchBody struct {
	OCRText string `json:"ocr_text"`
	Method  string `json:"method"`
}

func (s *Server) contextSearch(w http.ResponseWriter, r *http.Request) {
	var body contextSearchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(body.OCRText) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "ocr_text is required")
		return
	}
	method, err := contextsearch.ParseMethod(body.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	c := s.deps.Context
	if !c.Session().Connected() {
		if err := c.Connect(r.Context(), method); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_connected", err.Error())
			return
		}
	}
	if err := c.Search(r.Context(), body.OCRText, s.tenant(r.Context())); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_connected", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "method": method})
}

func (s *Server) contextNotes(w http.ResponseWriter, r *http.Request) {
	notes := s.deps.Context.Notes()
	writeJSON(w, http.StatusOK, map[string]any{
		"notes":      notes,
		"count":      len(notes),
		"is_loading": s.deps.Context.Loading(),
		"last_error": s.deps.Context.LastError(),
	})
}
