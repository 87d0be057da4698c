package llm

import (
	"context"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are sampling settings passed through to the provider. Zero values
// leave the provider default in place, except TopP which uses HasTopP.
type Options struct {
	Temperature float64
	TopP        float64
	HasTopP     bool
	MaxTokens   int
	// JSONMode asks the provider to constrain output to one JSON object.
	JSONMode bool
}

type Context struct {
	Messages []Message
	Options  Options
}

// LLMAdapter streams a completion as text chunks. The channel closes when the
// completion ends or ctx is done.
type LLMAdapter interface {
	Stream(ctx context.Context, input Context) (<-chan string, error)
	Name() string
}

// Collect drains a token stream into one string.
func Collect(ctx context.Context, tokens <-chan string) string {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String()
		case tok, ok := <-tokens:
			if !ok {
				return b.String()
			}
			b.WriteString(tok)
		}
	}
}
