package client

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// ChatRequest is one streaming completion call. Model falls back to the
// provider default when empty.
type ChatRequest struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	MaxTokens   int
	Temperature float32
}

// Chunk mirrors one streamed choice. Both fields are nil when the provider
// sent nothing for them.
type Chunk struct {
	Content      *string
	FinishReason *string
}

type ChunkStream interface {
	// Recv returns io.EOF once the provider closes the stream.
	Recv() (Chunk, error)
	Close() error
}

// ChatProvider is an OpenAI-compatible streaming completion backend.
type ChatProvider interface {
	// Validate issues the cheapest possible request to prove key and endpoint work.
	Validate(ctx context.Context) error
	StreamChat(ctx context.Context, req ChatRequest) (ChunkStream, error)
}
