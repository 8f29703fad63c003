package client

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseEvent is one server-sent event frame.
type sseEvent struct {
	id   string
	data []byte
}

// sseReader incrementally parses a text/event-stream body. Comment lines and
// frames that carry no data (keep-alives) are skipped.
type sseReader struct {
	br *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{br: bufio.NewReader(r)}
}

// Next blocks until a complete event frame arrives. It returns io.EOF when
// the server closes the stream cleanly.
func (r *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	var data [][]byte
	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				ev.data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			// Comment-only frame; keep reading.
			ev = sseEvent{}
		case strings.HasPrefix(line, ":"):
			// Keep-alive comment.
		case strings.HasPrefix(line, "id:"):
			ev.id = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, []byte(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")))
		}
	}
}
