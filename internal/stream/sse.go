package stream

import (
	"bufio"
	"io"
	"strings"
)

// scanSSE reads an SSE stream and calls handler once per complete event
// with the "event:" type (may be empty) and the joined "data:" payload.
// bufio's line scanner strips a trailing \r, so \r\n and \n streams
// produce identical events. Comment, id and retry lines are ignored.
func scanSSE(r io.Reader, handler func(eventType, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventType string
	var dataLines []string

	flush := func() error {
		if eventType == "" && len(dataLines) == 0 {
			return nil
		}
		err := handler(eventType, strings.Join(dataLines, "\n"))
		eventType = ""
		dataLines = nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// A stream truncated before the final blank line still yields its
	// last event.
	return flush()
}
