package chatstream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 2 * 1024 * 1024

	doneMarker = "[DONE]"
)

// SSEReader exposes the payload of "data:" lines of an event stream as a
// plain text stream. Payloads that are JSON strings are decoded; objects
// with a "text" or "content" field, or an OpenAI style choices delta,
// contribute that field. Anything else is passed through verbatim.
type SSEReader struct {
	scanner *bufio.Scanner
	pending string
	done    bool
}

// NewSSEReader wraps an event stream.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)
	return &SSEReader{scanner: scanner}
}

func (s *SSEReader) Read(p []byte) (int, error) {
	for s.pending == "" {
		if s.done {
			return 0, io.EOF
		}
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		if strings.TrimSpace(payload) == doneMarker {
			s.done = true
			continue
		}
		s.pending = decodePayload(payload)
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func decodePayload(payload string) string {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal([]byte(trimmed), &text); err == nil {
			return text
		}
	case '{':
		var obj struct {
			Text    *string `json:"text"`
			Content *string `json:"content"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := unmarshalLenient(trimmed, &obj); err == nil {
			switch {
			case obj.Text != nil:
				return *obj.Text
			case obj.Content != nil:
				return *obj.Content
			case len(obj.Choices) > 0:
				var b strings.Builder
				for _, c := range obj.Choices {
					b.WriteString(c.Delta.Content)
				}
				return b.String()
			}
		}
	}
	return payload
}

// unmarshalLenient decodes data, repairing it first when it is malformed
// (trailing commas, single quotes, truncated objects).
func unmarshalLenient(data string, v any) error {
	err := json.Unmarshal([]byte(data), v)
	if err == nil {
		return nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(data)
	if repairErr != nil {
		return err
	}
	return json.Unmarshal([]byte(repaired), v)
}
