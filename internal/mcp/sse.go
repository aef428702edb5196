package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

const (
	contentTypeEventStream = "text/event-stream"
	streamDoneMarker       = "[DONE]"
	maxEventLine           = 16 << 20
)

var errNoStreamPayload = errors.New("no JSON payload found in event stream")

// ParseEventStream returns the last well-formed JSON object carried on a
// data: line, ignoring the [DONE] marker.
func ParseEventStream(body []byte) (json.RawMessage, error) {
	var values []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		if v := strings.TrimSpace(line[len("data:"):]); v != "" {
			values = append(values, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for i := len(values) - 1; i >= 0; i-- {
		v := values[i]
		if v == streamDoneMarker || !strings.HasPrefix(v, "{") {
			continue
		}
		if json.Valid([]byte(v)) {
			return json.RawMessage(v), nil
		}
	}
	return nil, errNoStreamPayload
}
