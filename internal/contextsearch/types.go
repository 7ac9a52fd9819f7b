package contextsearch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/horizon-agent/internal/reconnect"
)

var (
	ErrNotConnected  = errors.New("contextsearch: not connected")
	ErrUnknownMethod = errors.New("contextsearch: unknown search method")
)

// SearchMethod selects which search backend the socket talks to.
type SearchMethod string

const (
	TopicExtraction SearchMethod = "topic_extraction"
	SentenceChunks  SearchMethod = "sentence_chunks"
)

func (m SearchMethod) Path() string {
	if m == TopicExtraction {
		return "/horizon/context/context-search-ws-topic-extraction"
	}
	return "/horizon/context/context-search-ws-sentence-chunks"
}

// ParseMethod maps a config or request string onto a SearchMethod. "" means
// SentenceChunks.
func ParseMethod(s string) (SearchMethod, error) {
	switch SearchMethod(s) {
	case "", SentenceChunks:
		return SentenceChunks, nil
	case TopicExtraction:
		return TopicExtraction, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UniqueID  string    `json:"uniqueid"`
}

// Results is the latest search response; each one replaces the last.
type Results struct {
	Notes        []Note `json:"results"`
	TotalResults int    `json:"total_results"`
	Method       string `json:"search_method"`
	Timestamp    string `json:"timestamp"`
}

type searchRequest struct {
	ScreenOCR  string `json:"screen_ocr"`
	TenantName string `json:"tenant_name"`
}

type wireNote struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
	UniqueID  string   `json:"uniqueid"`
}

type wireResults struct {
	Results      []wireNote `json:"results"`
	TotalResults *int       `json:"total_results"`
	SearchMethod string     `json:"search_method"`
	Method       string     `json:"method"`
	Timestamp    string     `json:"timestamp"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts ISO-8601 with or without a zone; anything else is now.
func parseTime(s string, now time.Time) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return now
}

func decodeResults(data []byte, now time.Time) (*Results, error) {
	var w wireResults
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	out := &Results{
		Notes:     make([]Note, 0, len(w.Results)),
		Method:    w.SearchMethod,
		Timestamp: w.Timestamp,
	}
	for _, n := range w.Results {
		uid := n.UniqueID
		if uid == "" {
			uid = n.ID
		}
		out.Notes = append(out.Notes, Note{
			ID:        n.ID,
			Title:     n.Title,
			Content:   n.Content,
			Tags:      n.Tags,
			CreatedAt: parseTime(n.CreatedAt, now),
			UpdatedAt: parseTime(n.UpdatedAt, now),
			UniqueID:  uid,
		})
	}
	if w.TotalResults != nil {
		out.TotalResults = *w.TotalResults
	} else {
		out.TotalResults = len(out.Notes)
	}
	if out.Method == "" {
		out.Method = w.Method
	}
	if out.Method == "" {
		out.Method = "unknown"
	}
	if out.Timestamp == "" {
		out.Timestamp = now.Format(time.RFC3339)
	}
	return out, nil
}

type Config struct {
	WSBaseURL        string
	Method           SearchMethod
	HandshakeTimeout time.Duration
	Reconnect        reconnect.Policy
}

func (c Config) withDefaults() Config {
	if c.Method == "" {
		c.Method = SentenceChunks
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Reconnect == (reconnect.Policy{}) {
		c.Reconnect = reconnect.Constant(3 * time.Second)
	}
	return c
}

type Status struct {
	Connected         bool         `json:"connected"`
	Searching         bool         `json:"searching"`
	Method            SearchMethod `json:"method,omitempty"`
	ResultCount       int          `json:"result_count"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
	LastError         string       `json:"last_error,omitempty"`
}
