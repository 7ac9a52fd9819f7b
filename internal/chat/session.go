// Package chat manages the streaming conversation with an OpenAI-compatible
// provider: connection health, history and per-token event delivery.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	openai "github.com/sashabaranov/go-openai"

	"github.com/horizon-agent/internal/event"
	"github.com/horizon-agent/internal/llm/client"
	"github.com/horizon-agent/internal/logger"
	"github.com/horizon-agent/internal/reconnect"
	"github.com/horizon-agent/pkg/llm/llmutils"
)

// ProviderFactory builds a provider for one connection.
type ProviderFactory func(cfg Config) (client.ChatProvider, error)

// OpenAIFactory builds the go-openai backed provider.
func OpenAIFactory(cfg Config) (client.ChatProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrProviderUnavailable
	}
	return client.NewOpenAIClient(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
}

type Option func(*Session)

func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.log = logger.OrNop(l).With("session", "chat") }
}

func WithProviderFactory(f ProviderFactory) Option {
	return func(s *Session) { s.factory = f }
}

type Session struct {
	cfg     Config
	factory ProviderFactory
	log     *logger.Logger
	bus     *event.Bus
	retrier *reconnect.Retrier

	connectMu sync.Mutex

	mu         sync.Mutex
	state      State
	maintain   bool
	provider   client.ChatProvider
	messages   []Message
	stream     string
	receiving  bool
	gen        *Generation
	lifeCancel context.CancelFunc

	wg sync.WaitGroup
}

func NewSession(cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:      cfg,
		factory:  OpenAIFactory,
		log:      logger.Nop(),
		bus:      event.NewBus("chat"),
		retrier:  reconnect.NewRetrier(cfg.Reconnect),
		state:    StateDisconnected,
		maintain: true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) Bus() *event.Bus { return s.bus }

func (s *Session) Subscribe(kind event.Kind, h event.Handler) func() {
	return s.bus.Subscribe(kind, h)
}

// Connect builds and validates a provider. On failure the session stays
// disconnected and no retry is scheduled.
func (s *Session) Connect(ctx context.Context) error {
	connected, err := s.connect(ctx)
	if connected {
		s.log.Info("connected, model %s", s.cfg.Model)
		s.bus.Publish(event.ConnectionChanged, true)
	}
	return err
}

// connect reports whether it brought the session up. The event is published
// by Connect once connectMu is released.
func (s *Session) connect(ctx context.Context) (bool, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return false, nil
	}
	s.state = StateConnecting
	s.maintain = true
	s.mu.Unlock()

	p, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.log.Warn("connect failed: %v", err)
		return false, fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}

	lifeCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	s.provider = p
	s.state = StateConnected
	s.lifeCancel = cancel
	s.mu.Unlock()
	s.retrier.Reset()

	s.wg.Add(1)
	go s.healthLoop(lifeCtx)
	return true, nil
}

func (s *Session) dial(ctx context.Context) (client.ChatProvider, error) {
	p, err := s.factory(s.cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Disconnect stops health checks, aborts any running generation and drops
// the provider. connection_changed(false) fires only if the session was up.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.maintain = false
	cancel := s.lifeCancel
	s.lifeCancel = nil
	gen := s.gen
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// a handler on the stream or health goroutine would wait on itself
	reentrant := s.bus.Dispatching()
	if gen != nil {
		gen.stop()
		if !reentrant {
			<-gen.Done()
		}
	}
	if !reentrant {
		s.wg.Wait()
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	s.mu.Lock()
	wasUp := s.state != StateDisconnected
	s.state = StateDisconnected
	s.provider = nil
	s.mu.Unlock()
	s.retrier.Reset()

	if wasUp {
		s.log.Info("disconnected")
		s.bus.Publish(event.ConnectionChanged, false)
	}
}

// SendMessage streams a response and blocks until it completes.
func (s *Session) SendMessage(ctx context.Context, req Request) (string, error) {
	gen, err := s.SendMessageStreaming(ctx, req)
	if err != nil {
		return "", err
	}
	return gen.Wait()
}

// StreamOption tunes one streaming response.
type StreamOption func(*Generation)

// OnChunk calls fn with each token of this response only, before the
// chunk_received event for it.
func OnChunk(fn func(token string)) StreamOption {
	return func(g *Generation) { g.onChunk = fn }
}

// SendMessageStreaming starts a response and returns once the provider stream
// is open. Tokens arrive as chunk_received events; Wait on the returned
// Generation for the final text.
func (s *Session) SendMessageStreaming(ctx context.Context, req Request, opts ...StreamOption) (*Generation, error) {
	s.mu.Lock()
	busy, connected, maintain := s.receiving, s.state == StateConnected, s.maintain
	s.mu.Unlock()
	if busy {
		return nil, ErrBusy
	}
	if !connected {
		if !maintain {
			return nil, ErrNotConnected
		}
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	if s.receiving {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	p := s.provider
	if p == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	prompt := BuildPrompt(req)
	s.messages = append(s.messages, Message{
		ID:        ulid.Make().String(),
		Role:      RoleUser,
		Content:   prompt,
		Metadata:  metadataFor(req),
		CreatedAt: time.Now(),
	})
	window := s.apiWindowLocked()
	s.receiving = true
	s.stream = ""
	genCtx, cancel := context.WithCancel(ctx)
	gen := newGeneration(cancel)
	for _, o := range opts {
		o(gen)
	}
	s.gen = gen
	s.mu.Unlock()

	s.bus.Publish(event.ThinkingChanged, true)

	model := s.modelFor(req)
	stream, err := p.StreamChat(genCtx, client.ChatRequest{
		Model:       model,
		Messages:    s.clip(model, window),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		err = fmt.Errorf("open stream: %w", err)
		s.finishFailed(gen, err)
		return nil, err
	}

	go s.consume(genCtx, gen, stream)
	return gen, nil
}

func (s *Session) consume(ctx context.Context, gen *Generation, stream client.ChunkStream) {
	defer stream.Close()

	var full string
	for {
		chunk, err := stream.Recv()
		if gen.halt.Load() {
			s.finishStopped(gen, nil)
			return
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.finishComplete(gen, full)
			case ctx.Err() != nil:
				s.finishStopped(gen, ctx.Err())
			default:
				s.finishFailed(gen, fmt.Errorf("stream: %w", err))
			}
			return
		}
		if chunk.Content != nil {
			token := *chunk.Content
			full += token
			s.mu.Lock()
			s.stream = full
			s.mu.Unlock()
			if gen.onChunk != nil {
				gen.onChunk(token)
			}
			s.bus.Publish(event.ChunkReceived, token)
			s.bus.Publish(event.MessageReceived, full)
		}
		if chunk.FinishReason != nil {
			s.finishComplete(gen, full)
			return
		}
	}
}

func (s *Session) finishComplete(gen *Generation, text string) {
	s.mu.Lock()
	s.receiving = false
	s.gen = nil
	s.messages = append(s.messages, Message{
		ID:        ulid.Make().String(),
		Role:      RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	})
	s.mu.Unlock()

	s.bus.Publish(event.ThinkingChanged, false)
	s.bus.Publish(event.ResponseComplete, text)
	s.bus.Publish(event.MessageReceived, text)
	gen.finish(text, nil, false)
}

// finishStopped leaves the partial text in CurrentStream without adding it
// to history.
func (s *Session) finishStopped(gen *Generation, err error) {
	s.mu.Lock()
	s.receiving = false
	s.gen = nil
	partial := s.stream
	s.mu.Unlock()

	s.log.Info("generation stopped after %d chars", len(partial))
	s.bus.Publish(event.ThinkingChanged, false)
	gen.finish(partial, err, true)
}

func (s *Session) finishFailed(gen *Generation, err error) {
	s.mu.Lock()
	s.receiving = false
	s.gen = nil
	s.mu.Unlock()

	s.log.Error("request failed: %v", err)
	s.bus.Publish(event.ThinkingChanged, false)
	s.bus.Publish(event.Error, err.Error())
	gen.finish("", err, false)
}

// StopGeneration asks the running response to stop at the next chunk.
func (s *Session) StopGeneration() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	if gen != nil {
		gen.stop()
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:             s.state,
		Connected:         s.state == StateConnected,
		Receiving:         s.receiving,
		ProviderAvailable: s.provider != nil,
		KeyPresent:        s.cfg.APIKey != "",
		Model:             s.cfg.Model,
		MessageCount:      len(s.messages),
		StreamLength:      len(s.stream),
		ReconnectAttempts: s.retrier.Attempts(),
	}
}

func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// CurrentStream is the text of the latest response, complete or partial.
func (s *Session) CurrentStream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *Session) ClearConversation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiving {
		return ErrBusy
	}
	s.messages = nil
	s.stream = ""
	return nil
}

func (s *Session) modelFor(req Request) string {
	if req.DeepAnalysis {
		return DeepAnalysisModel
	}
	return s.cfg.Model
}

func (s *Session) apiWindowLocked() []openai.ChatCompletionMessage {
	history := s.messages
	if len(history) > s.cfg.HistoryWindow {
		history = history[len(history)-s.cfg.HistoryWindow:]
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if s.cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s.cfg.SystemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return msgs
}

func (s *Session) clip(model string, msgs []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	if s.cfg.MaxPromptTokens <= 0 {
		return msgs
	}
	clipped, err := llmutils.ClipMessagesToTokenLimit(model, msgs, s.cfg.MaxPromptTokens, 0)
	if err != nil {
		s.log.Warn("token clip skipped: %v", err)
		return msgs
	}
	return clipped
}

// Generation is the handle for one streaming response.
type Generation struct {
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	text    string
	err     error
	stopped bool
	onChunk func(string)

	// halt is the stop request, checked once per chunk
	halt atomic.Bool
}

func newGeneration(cancel context.CancelFunc) *Generation {
	return &Generation{done: make(chan struct{}), cancel: cancel}
}

func (g *Generation) finish(text string, err error, stopped bool) {
	g.once.Do(func() {
		g.text, g.err, g.stopped = text, err, stopped
		g.cancel()
		close(g.done)
	})
}

func (g *Generation) stop() {
	g.halt.Store(true)
	g.cancel()
}

func (g *Generation) Done() <-chan struct{} { return g.done }

// Wait blocks until the response completes, fails or is stopped. A stopped
// response returns the partial text.
func (g *Generation) Wait() (string, error) {
	<-g.done
	return g.text, g.err
}

// Stopped reports whether the response ended early. Valid after Done.
func (g *Generation) Stopped() bool {
	<-g.done
	return g.stopped
}
