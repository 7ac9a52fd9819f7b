package client

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DEFAULT_MODEL    = "gpt-4"
	DEFAULT_BASE_URL = "https://api.openai.com/v1"
)

type OpenAIClient struct {
	Client *openai.Client
	Model  string
}

func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL == "" {
		baseURL = DEFAULT_BASE_URL
	}
	cfg.BaseURL = baseURL
	if model == "" {
		model = DEFAULT_MODEL
	}
	return &OpenAIClient{
		Client: openai.NewClientWithConfig(cfg),
		Model:  model,
	}
}

// Validate checks the backend with a one-token request.
func (c *OpenAIClient) Validate(ctx context.Context) error {
	_, err := c.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.Model,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("validate provider: %w", err)
	}
	return nil
}

func (c *OpenAIClient) StreamChat(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages is empty")
	}
	model := req.Model
	if model == "" {
		model = c.Model
	}
	stream, err := c.Client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}
	return &openAIStream{s: stream}, nil
}

type openAIStream struct {
	s *openai.ChatCompletionStream
}

func (o *openAIStream) Recv() (Chunk, error) {
	resp, err := o.s.Recv()
	if err != nil {
		return Chunk{}, err
	}
	var out Chunk
	if len(resp.Choices) == 0 {
		return out, nil
	}
	// only the first choice is streamed
	ch := resp.Choices[0]
	if frag := ch.Delta.Content; frag != "" {
		out.Content = &frag
	}
	if ch.FinishReason != "" {
		reason := string(ch.FinishReason)
		out.FinishReason = &reason
	}
	return out, nil
}

func (o *openAIStream) Close() error {
	return o.s.Close()
}
