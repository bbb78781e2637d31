package httpclient

import (
	"io"
	"strings"
)

// DefaultErrorBodyLimit caps how much of a failed response is kept for the
// error message.
const DefaultErrorBodyLimit = 4 << 10

// ReadErrorBody returns at most limit bytes of a failed response body,
// marking truncation, and drains the rest so the connection can be reused.
func ReadErrorBody(r io.Reader, limit int64) string {
	if limit <= 0 {
		limit = DefaultErrorBodyLimit
	}
	data, _ := io.ReadAll(io.LimitReader(r, limit+1))
	truncated := int64(len(data)) > limit
	if truncated {
		data = data[:limit]
		_, _ = io.Copy(io.Discard, io.LimitReader(r, 1<<20))
	}
	body := strings.TrimSpace(string(data))
	if truncated {
		body += " …(truncated)"
	}
	return body
}
