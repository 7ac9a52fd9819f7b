package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, frames []string, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func chunkJSON(content, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4","choices":[{"index":0,"delta":{"content":%q},"finish_reason":%s}]}`,
		content, finishJSON)
}

func TestStreamChatMapsChunks(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := sseServer(t, []string{
		chunkJSON("Hi", ""),
		chunkJSON(" there", ""),
		chunkJSON("", "stop"),
	}, &seen)
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL+"/v1", "gpt-3.5-turbo")
	stream, err := c.StreamChat(context.Background(), ChatRequest{
		Messages:    []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "Hello"}},
		MaxTokens:   2000,
		Temperature: 0.7,
	})
	require.NoError(t, err)
	defer stream.Close()

	var contents []string
	var finish string
	for {
		ch, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if ch.Content != nil {
			contents = append(contents, *ch.Content)
		}
		if ch.FinishReason != nil {
			finish = *ch.FinishReason
			assert.Nil(t, ch.Content)
		}
	}

	assert.Equal(t, []string{"Hi", " there"}, contents)
	assert.Equal(t, "stop", finish)
	assert.Equal(t, "gpt-3.5-turbo", seen.Model)
	assert.True(t, seen.Stream)
	assert.Equal(t, 2000, seen.MaxTokens)
}

func TestStreamChatRequestModelOverrides(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := sseServer(t, []string{chunkJSON("x", "stop")}, &seen)
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL+"/v1", "")
	stream, err := c.StreamChat(context.Background(), ChatRequest{
		Model:    "gpt-4",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "q"}},
	})
	require.NoError(t, err)
	_, _ = stream.Recv()
	_ = stream.Close()

	assert.Equal(t, "gpt-4", seen.Model)
}

func TestStreamChatRejectsEmptyMessages(t *testing.T) {
	c := NewOpenAIClient("sk-test", "http://127.0.0.1:1/v1", "")
	_, err := c.StreamChat(context.Background(), ChatRequest{})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"v","object":"chat.completion","created":1,"model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"p"},"finish_reason":"length"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL+"/v1", "gpt-4")
	require.NoError(t, c.Validate(context.Background()))
	assert.Equal(t, 1, seen.MaxTokens)
	assert.False(t, seen.Stream)
}

func TestValidateSurfacesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-bad", srv.URL+"/v1", "gpt-4")
	err := c.Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate provider")
}
