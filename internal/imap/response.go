package imap

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// RespStatus is the first word of a server response.
type RespStatus string

const (
	StatusOK      RespStatus = "OK"
	StatusNo      RespStatus = "NO"
	StatusBad     RespStatus = "BAD"
	StatusBye     RespStatus = "BYE"
	StatusPreAuth RespStatus = "PREAUTH"
)

// Response is a status response, tagged or untagged depending on how it is
// written. Code is the optional bracketed response code with its arguments
// already joined, e.g. "UIDVALIDITY 1725" or "TRYCREATE".
type Response struct {
	Status RespStatus
	Code   string
	Text   string
}

func OK(text string) Response  { return Response{Status: StatusOK, Text: text} }
func No(text string) Response  { return Response{Status: StatusNo, Text: text} }
func Bad(text string) Response { return Response{Status: StatusBad, Text: text} }
func Bye(text string) Response { return Response{Status: StatusBye, Text: text} }

// WithCode attaches a response code, e.g. WithCode("UIDNEXT", "4392").
func (r Response) WithCode(code string, args ...string) Response {
	if len(args) > 0 {
		code += " " + strings.Join(args, " ")
	}
	r.Code = code
	return r
}

func (r Response) format(prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(string(r.Status))
	if r.Code != "" {
		b.WriteString(" [" + r.Code + "]")
	}
	if r.Text != "" {
		b.WriteString(" " + r.Text)
	}
	return b.String()
}

// Quote renders s as an IMAP quoted string.
func Quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

// ResponseWriter serializes response lines onto the connection. Idle
// notifications are written from other sessions' goroutines, so every write
// takes the mutex.
type ResponseWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewResponseWriter(w io.Writer) *ResponseWriter {
	return &ResponseWriter{w: w}
}

// Reset swaps the underlying writer, used by STARTTLS.
func (rw *ResponseWriter) Reset(w io.Writer) {
	rw.mu.Lock()
	rw.w = w
	rw.mu.Unlock()
}

func (rw *ResponseWriter) writeLine(line string) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	_, err := io.WriteString(rw.w, line+"\r\n")
	return err
}

// Tagged writes the completion response for the command with the given tag.
func (rw *ResponseWriter) Tagged(tag string, r Response) error {
	return rw.writeLine(r.format(tag + " "))
}

// Untagged writes a status response prefixed with '*'.
func (rw *ResponseWriter) Untagged(r Response) error {
	return rw.writeLine(r.format("* "))
}

// UntaggedLine writes arbitrary untagged data, e.g. "3 EXISTS" or a FETCH
// result. The payload may contain embedded CRLFs (literals); it is written
// as a single chunk.
func (rw *ResponseWriter) UntaggedLine(data string) error {
	return rw.writeLine("* " + data)
}

// Continuation writes a command continuation request.
func (rw *ResponseWriter) Continuation(text string) error {
	if text == "" {
		return rw.writeLine("+")
	}
	return rw.writeLine("+ " + text)
}

// Untagged data helpers used by the handlers.

func (rw *ResponseWriter) Exists(n int) error {
	return rw.UntaggedLine(fmt.Sprintf("%d EXISTS", n))
}

func (rw *ResponseWriter) Recent(n int) error {
	return rw.UntaggedLine(fmt.Sprintf("%d RECENT", n))
}
