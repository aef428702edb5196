package mcp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionExpired matches protocol errors that report a missing or
// invalid session.
var ErrSessionExpired = errors.New("mcp session expired")

// ProtocolError is a failed exchange with the tool server: a remote error
// envelope, an HTTP error status, or a response that could not be decoded.
type ProtocolError struct {
	Method  string
	Status  int // HTTP status, 0 when unknown
	Code    int // JSON-RPC error code, 0 when absent
	Message string
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString("mcp")
	if e.Method != "" {
		b.WriteString(" " + e.Method)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	return b.String()
}

// Is lets errors.Is(err, ErrSessionExpired) detect session loss.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrSessionExpired && isSessionMessage(e.Message)
}

var sessionMessages = []string{
	"no valid mcp session",
	"invalid session",
	"no valid session",
	"session not found",
	"missing session",
}

func isSessionMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range sessionMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
