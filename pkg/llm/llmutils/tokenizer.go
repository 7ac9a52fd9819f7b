package llmutils

import (
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
)

const (
	fallbackEncoding = "cl100k_base"
	// rough per-message overhead for role and metadata
	messageOverhead = 4
)

var encodings sync.Map // model -> *tiktoken.Tiktoken, nil when unavailable

// encodingFor returns nil when no BPE can be loaded (tiktoken fetches them on
// first use). The miss is remembered for the life of the process.
func encodingFor(model string) *tiktoken.Tiktoken {
	if enc, ok := encodings.Load(model); ok {
		return enc.(*tiktoken.Tiktoken)
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		enc = nil
	}
	encodings.Store(model, enc)
	return enc
}

// CountTokens counts s under the model's tokenizer, or estimates it from
// the rune count when the tokenizer is unavailable.
func CountTokens(model, s string) int {
	enc := encodingFor(model)
	if enc == nil {
		return estimateTokens(s)
	}
	return len(enc.Encode(s, nil, nil))
}

func CountMessageTokens(model string, msg openai.ChatCompletionMessage) int {
	return CountTokens(model, msg.Content) + messageOverhead
}

// estimateTokens assumes about 1.5 runes per token.
func estimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n*2 + 2) / 3
}

// ClipMessagesToTokenLimit keeps the first system message and as many of the
// newest messages as fit in maxPromptTokens-responseReserve. The newest
// message that does not fit whole is truncated when there is room left.
func ClipMessagesToTokenLimit(
	model string,
	msgs []openai.ChatCompletionMessage,
	maxPromptTokens int,
	responseReserve int,
) ([]openai.ChatCompletionMessage, error) {
	if maxPromptTokens <= 0 {
		return nil, errors.New("maxPromptTokens must be positive")
	}
	if responseReserve < 0 {
		responseReserve = 0
	}
	budget := maxPromptTokens - responseReserve
	if budget <= 0 {
		return nil, errors.New("no prompt budget left after response reserve")
	}

	var system *openai.ChatCompletionMessage
	rest := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Role == openai.ChatMessageRoleSystem && system == nil {
			cp := msgs[i]
			system = &cp
			continue
		}
		rest = append(rest, msgs[i])
	}

	total := 0
	if system != nil {
		n := CountMessageTokens(model, *system)
		if n > budget {
			sys := *system
			sys.Content = truncateByTokens(model, system.Content, budget-8)
			return []openai.ChatCompletionMessage{sys}, nil
		}
		total += n
	}

	// take newest messages first, then restore order
	var picked []openai.ChatCompletionMessage
	for i := len(rest) - 1; i >= 0; i-- {
		n := CountMessageTokens(model, rest[i])
		if total+n <= budget {
			picked = append(picked, rest[i])
			total += n
			continue
		}
		if allow := budget - total; allow > 16 {
			cut := truncateByTokens(model, rest[i].Content, allow-8)
			if strings.TrimSpace(cut) != "" {
				msg := rest[i]
				msg.Content = cut
				picked = append(picked, msg)
			}
		}
		break
	}

	out := make([]openai.ChatCompletionMessage, 0, len(picked)+1)
	if system != nil {
		out = append(out, *system)
	}
	for i := len(picked) - 1; i >= 0; i-- {
		out = append(out, picked[i])
	}
	return out, nil
}

func truncateByTokens(model, s string, maxTokens int) string {
	if maxTokens <= 0 || s == "" {
		return ""
	}
	enc := encodingFor(model)
	if enc == nil {
		return roughCutRunes(s, maxTokens*3/2)
	}
	ids := enc.Encode(s, nil, nil)
	if len(ids) <= maxTokens {
		return s
	}
	out := enc.Decode(ids[:maxTokens])
	if !utf8.ValidString(out) {
		return roughCutRunes(s, maxTokens*3/2)
	}
	return out + "…"
}

// roughCutRunes truncates to n runes.
func roughCutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
