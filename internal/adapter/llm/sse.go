package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"toolrelay/internal/domain"
)

// maxSSELine bounds a single SSE line. Tool-call argument fragments are small
// but some backends send the whole usage block on one line.
const maxSSELine = 1024 * 1024

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a StreamDelta using the provider-specific parseLine function.
// The returned channel is closed when the stream ends, the body is closed, or
// ctx is cancelled. A read failure is delivered as a final delta with Err set.
// onDone, if non-nil, runs once with the terminal error before the channel
// closes.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error), onDone func(error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		var streamErr error
		defer close(ch)
		defer func() {
			if onDone != nil {
				onDone(streamErr)
			}
		}()
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				streamErr = ctx.Err()
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				streamErr = err
				return
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			delta, err := parseLine(data)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			if delta == nil {
				continue
			}

			if !send(*delta) {
				return
			}
			if delta.Err != nil {
				streamErr = delta.Err
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				streamErr = ctxErr
				return
			}
			streamErr = fmt.Errorf("%w: read: %v", domain.ErrStream, err)
			send(domain.StreamDelta{Err: streamErr})
		}
	}()
	return ch
}
