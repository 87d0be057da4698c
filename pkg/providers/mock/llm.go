package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/callscript/pkg/llm"
)

// LLMConfig scripts the mock's replies. Turn n replies with
// Responses[n % len(Responses)], split into ChunkSize-byte chunks.
type LLMConfig struct {
	Responses []string
	ChunkSize int
	Err       error
}

type LLMAdapter struct {
	cfg    LLMConfig
	mu     sync.Mutex
	turn   int
	inputs []llm.Context
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if len(cfg.Responses) == 0 {
		cfg.Responses = []string{`{"say":"","next_state":""}`}
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	a.mu.Lock()
	resp := a.cfg.Responses[a.turn%len(a.cfg.Responses)]
	a.turn++
	a.inputs = append(a.inputs, input)
	a.mu.Unlock()

	chunks := split(resp, a.cfg.ChunkSize)
	out := make(chan string, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

// Inputs returns the contexts the mock was called with.
func (a *LLMAdapter) Inputs() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.inputs...)
}

func split(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
