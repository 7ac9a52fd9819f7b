package chat

import (
	"errors"
	"time"

	"github.com/horizon-agent/internal/reconnect"
)

var (
	ErrConnectionFailure   = errors.New("chat: connection failure")
	ErrNotConnected        = errors.New("chat: not connected")
	ErrBusy                = errors.New("chat: a response is already streaming")
	ErrProviderUnavailable = errors.New("chat: provider unavailable (missing api key)")
)

// DeepAnalysisModel is used whenever a request asks for deep analysis.
const DeepAnalysisModel = "gpt-4"

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Metadata struct {
	OCRText      string `json:"ocr_text,omitempty"`
	SelectedText string `json:"selected_text,omitempty"`
	BrowserURL   string `json:"browser_url,omitempty"`
}

// Message is one history entry. User messages carry the enhanced prompt as
// Content and the raw context in Metadata.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is what a caller asks the assistant.
type Request struct {
	Text         string `json:"text"`
	OCRText      string `json:"ocr_text,omitempty"`
	SelectedText string `json:"selected_text,omitempty"`
	BrowserURL   string `json:"browser_url,omitempty"`
	DeepAnalysis bool   `json:"deep_analysis,omitempty"`
}

type Status struct {
	State             State  `json:"state"`
	Connected         bool   `json:"connected"`
	Receiving         bool   `json:"receiving"`
	ProviderAvailable bool   `json:"provider_available"`
	KeyPresent        bool   `json:"key_present"`
	Model             string `json:"model"`
	MessageCount      int    `json:"message_count"`
	StreamLength      int    `json:"stream_length"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	SystemPrompt    string
	MaxTokens       int
	Temperature     float32
	HistoryWindow   int
	MaxPromptTokens int // 0 disables token clipping
	HealthInterval  time.Duration
	Reconnect       reconnect.Policy
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DeepAnalysisModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = 10
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 5 * time.Minute
	}
	if c.Reconnect == (reconnect.Policy{}) {
		c.Reconnect = reconnect.Exponential(time.Second, 60*time.Second, 10)
	}
	return c
}
