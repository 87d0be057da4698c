package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoPayload means the text held no {...} span.
	ErrNoPayload = errors.New("script: no json object in model output")
	// ErrMalformedPayload means the span was not a JSON object.
	ErrMalformedPayload = errors.New("script: malformed model payload")
)

const codeFence = "```"

// Payload is the model's proposal for one turn.
type Payload struct {
	Say       string
	NextState string
}

// Extract pulls a {"say","next_state"} object out of raw model output. It
// tolerates a surrounding markdown fence and commentary around the object.
func Extract(raw string) (Payload, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, codeFence) {
		s = strings.Trim(s, "`")
		if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
			s = strings.TrimLeft(s[4:], " \t\r\n")
		}
	}
	lo := strings.Index(s, "{")
	hi := strings.LastIndex(s, "}")
	if lo < 0 || hi <= lo {
		return Payload{}, ErrNoPayload
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(s[lo:hi+1]), &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return Payload{}, ErrMalformedPayload
	}
	return Payload{Say: stringField(fields, "say"), NextState: stringField(fields, "next_state")}, nil
}

// stringField reads one field on its own. Anything that is not a string
// reads as empty, so a bad next_state never costs a good say.
func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return strings.TrimSpace(s)
}
