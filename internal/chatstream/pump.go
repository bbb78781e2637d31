// Package chatstream reads assistant text from the generation backend and
// feeds it to a stream parser.
package chatstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

const readChunkSize = 4 << 10

// Feeder consumes streamed text. *parser.Parser satisfies it.
type Feeder interface {
	Feed(chunk string)
	Close()
}

// Pump copies r into f chunk by chunk until EOF, an error or ctx ends. The
// feeder is always closed. It returns the text read so far.
func Pump(ctx context.Context, r io.Reader, f Feeder) (string, error) {
	defer f.Close()

	var all strings.Builder
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return all.String(), err
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			all.WriteString(chunk)
			f.Feed(chunk)
		}
		if errors.Is(err, io.EOF) {
			return all.String(), nil
		}
		if err != nil {
			return all.String(), fmt.Errorf("read stream: %w", err)
		}
	}
}
