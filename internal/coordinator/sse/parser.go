package sse

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one parsed server-sent event.
type Frame struct {
	Event string
	Data  []byte
	ID    string
}

// parser reads SSE frames from a stream: "event:", "data:", "id:" lines
// terminated by a blank line. Multi-line data is joined with newlines per
// the SSE spec. Comment lines (leading colon) are ignored.
type parser struct {
	r *bufio.Reader
}

func newParser(r io.Reader) *parser {
	return &parser{r: bufio.NewReader(r)}
}

// Next returns the next complete frame, or an error when the stream ends.
func (p *parser) Next() (Frame, error) {
	var frame Frame
	var data []string
	seenField := false

	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !seenField {
				continue
			}
			frame.Data = []byte(strings.Join(data, "\n"))
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = value
			seenField = true
		case "data":
			data = append(data, value)
			seenField = true
		case "id":
			frame.ID = value
			seenField = true
		}
	}
}
