package transport

import "github.com/horizon-agent/internal/event"

// Request types, UI -> daemon.
const (
	TypeChatSend   = "chat/send"
	TypeChatCancel = "chat/cancel"
	TypePing       = "ping"
)

// Response types, daemon -> UI.
const (
	TypePreviewDelta = "agent/preview.delta"
	TypeFullDelta    = "agent/full.delta"
	TypeDone         = "agent/done"
	TypeError        = "agent/error"
	TypeEvent        = "event"
	TypePong         = "pong"
)

// MsgRequest is one frame from the UI.
type MsgRequest struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Text         string `json:"text,omitempty"`
	OCRText      string `json:"ocr_text,omitempty"`
	SelectedText string `json:"selected_text,omitempty"`
	BrowserURL   string `json:"browser_url,omitempty"`
	DeepAnalysis bool   `json:"deep_analysis,omitempty"`
}

// MsgResponse is one frame to the UI.
type MsgResponse struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Seq  int    `json:"seq,omitempty"` // stream chunk number, from 1

	Text    string          `json:"text,omitempty"`
	Stopped bool            `json:"stopped,omitempty"`
	Event   *event.Envelope `json:"event,omitempty"`

	ErrorCode string `json:"code,omitempty"` // busy | not_connected | llm_error
	ErrorMsg  string `json:"message,omitempty"`
}
