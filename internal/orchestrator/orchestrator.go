// Package orchestrator runs UI chat requests against the chat session and
// streams the answer back as preview and full deltas.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/horizon-agent/biz/transport"
	"github.com/horizon-agent/internal/chat"
	"github.com/horizon-agent/internal/logger"
)

const (
	defaultRunTimeout = 90 * time.Second
	previewDelay      = 300 * time.Millisecond
	sentenceEnds      = "。.!?"
)

type Orchestrator struct {
	chat    *chat.Session
	log     *logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(s *chat.Session, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		chat:    s,
		log:     logger.OrNop(log).With("component", "orchestrator"),
		timeout: defaultRunTimeout,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (o *Orchestrator) Cancel(id string) {
	o.mu.Lock()
	if c, ok := o.cancels[id]; ok {
		c()
		delete(o.cancels, id)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) Run(ctx context.Context, req transport.MsgRequest, sink transport.Sender) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	o.mu.Lock()
	o.cancels[req.ID] = cancel
	o.mu.Unlock()
	defer o.Cancel(req.ID)

	// the first sentence goes out once as a preview; full deltas always stream
	seq := 0
	previewSent := false
	var previewBuf strings.Builder
	start := time.Now()

	onChunk := func(delta string) {
		seq++
		if !previewSent {
			previewBuf.WriteString(delta)
			buf := previewBuf.String()
			if i := strings.IndexAny(buf, sentenceEnds); i >= 0 {
				_, size := utf8.DecodeRuneInString(buf[i:])
				o.send(sink, transport.MsgResponse{Type: transport.TypePreviewDelta, ID: req.ID, Seq: 1, Text: buf[:i+size]})
				previewSent = true
			} else if time.Since(start) >= previewDelay {
				o.send(sink, transport.MsgResponse{Type: transport.TypePreviewDelta, ID: req.ID, Seq: 1, Text: buf})
				previewSent = true
			}
		}
		o.send(sink, transport.MsgResponse{Type: transport.TypeFullDelta, ID: req.ID, Seq: seq, Text: delta})
	}

	gen, err := o.chat.SendMessageStreaming(ctx, chat.Request{
		Text:         req.Text,
		OCRText:      req.OCRText,
		SelectedText: req.SelectedText,
		BrowserURL:   req.BrowserURL,
		DeepAnalysis: req.DeepAnalysis,
	}, chat.OnChunk(onChunk))
	if err != nil {
		o.send(sink, transport.MsgResponse{Type: transport.TypeError, ID: req.ID, ErrorCode: errorCode(err), ErrorMsg: err.Error()})
		return err
	}

	text, err := gen.Wait()
	if gen.Stopped() {
		o.send(sink, transport.MsgResponse{Type: transport.TypeDone, ID: req.ID, Text: text, Stopped: true})
		return nil
	}
	if err != nil {
		o.send(sink, transport.MsgResponse{Type: transport.TypeError, ID: req.ID, ErrorCode: errorCode(err), ErrorMsg: err.Error()})
		return err
	}
	o.send(sink, transport.MsgResponse{Type: transport.TypeDone, ID: req.ID, Text: text})
	return nil
}

func (o *Orchestrator) send(sink transport.Sender, m transport.MsgResponse) {
	if err := sink.Send(m); err != nil {
		o.log.Warn("send %s for %s: %v", m.Type, m.ID, err)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrBusy):
		return "busy"
	case errors.Is(err, chat.ErrNotConnected),
		errors.Is(err, chat.ErrConnectionFailure),
		errors.Is(err, chat.ErrProviderUnavailable):
		return "not_connected"
	}
	return "llm_error"
}
