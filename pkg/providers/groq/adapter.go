package groq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callscript/pkg/llm"
	"github.com/harunnryd/callscript/pkg/resilience"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"
)

// Adapter talks to Groq's OpenAI-compatible chat completions endpoint.
type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
	// StreamJSON streams in JSON mode too. When false, JSON-mode replies are
	// fetched with one non-streaming request and delivered as a single chunk.
	StreamJSON bool
}

func NewAdapter(apiKey, model string) *Adapter {
	if model == "" {
		model = DefaultModel
	}
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: DefaultBaseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "groq" }

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	if input.Options.JSONMode && !a.StreamJSON {
		text, err := a.complete(ctx, input)
		if err != nil {
			return nil, err
		}
		out := make(chan string, 1)
		out <- text
		close(out)
		return out, nil
	}

	resp, err := a.post(ctx, input, true)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 128)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case <-ctx.Done():
					return
				case out <- text:
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) complete(ctx context.Context, input llm.Context) (string, error) {
	resp, err := a.post(ctx, input, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var payload completion
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("groq: decode completion: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("groq: no choices")
	}
	return payload.Choices[0].Message.Content, nil
}

func (a *Adapter) post(ctx context.Context, input llm.Context, stream bool) (*http.Response, error) {
	body, err := a.buildRequest(input, stream)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, resilience.RateLimitFromResponse("groq", resp, string(msg))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("groq: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

type chatRequest struct {
	Model          string            `json:"model"`
	Stream         bool              `json:"stream"`
	Messages       []llm.Message     `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	TopP           *float64          `json:"top_p,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type completion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (a *Adapter) buildRequest(input llm.Context, stream bool) (*bytes.Buffer, error) {
	opts := input.Options
	req := chatRequest{
		Model:     a.Model,
		Stream:    stream,
		Messages:  input.Messages,
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	if opts.HasTopP {
		p := opts.TopP
		req.TopP = &p
	}
	if opts.JSONMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

var _ llm.LLMAdapter = (*Adapter)(nil)
