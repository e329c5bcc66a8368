package httpwire

import (
	"strconv"
	"strings"
)

// StatusLine is the only response line the adapter emits.
const StatusLine = "HTTP/1.1 200 OK"

// DefaultMethod is used for request lines when no method is configured.
const DefaultMethod = "GET"

// RequestLine builds "METHOD TARGET HTTP/1.1" where target is path followed
// directly by query.
func RequestLine(method, path, query string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = DefaultMethod
	}
	return method + " " + path + query + " HTTP/1.1"
}

// OperationPath normalises base to start and end with "/" and appends the
// operation id as the final segment.
func OperationPath(base, operation string) string {
	var b strings.Builder
	if !strings.HasPrefix(base, "/") {
		b.WriteByte('/')
	}
	b.WriteString(base)
	if !strings.HasSuffix(b.String(), "/") {
		b.WriteByte('/')
	}
	b.WriteString(operation)
	return b.String()
}

// Frame is an outbound message ready to be serialised.
type Frame struct {
	StartLine   string
	Host        string // requests only
	Close       bool
	ContentType string
	Body        string
}

// Bytes serialises the frame: start line, headers, a blank line, the body
// and a trailing CRLF. Content-Length counts the UTF-8 bytes of the body.
func (f Frame) Bytes() []byte {
	var b strings.Builder
	b.Grow(len(f.StartLine) + len(f.Body) + 128)

	b.WriteString(f.StartLine)
	b.WriteString(CRLF)
	if f.Host != "" {
		b.WriteString("Host: ")
		b.WriteString(f.Host)
		b.WriteString(CRLF)
	}
	if f.Close {
		b.WriteString("Connection: close")
		b.WriteString(CRLF)
	}
	b.WriteString(`Content-Type: `)
	b.WriteString(f.ContentType)
	b.WriteString(`; charset="utf-8"`)
	b.WriteString(CRLF)
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(len(f.Body)))
	b.WriteString(CRLF)
	b.WriteString(CRLF)
	b.WriteString(f.Body)
	b.WriteString(CRLF)
	return []byte(b.String())
}

// ShouldClose applies the inbound persistence rules. HTTP/1.1 and
// unspecified versions stay open unless "Connection: close" is sent;
// HTTP/1.0 closes unless "Connection: keep-alive" is sent.
func ShouldClose(version Version, connection string) bool {
	connection = strings.TrimSpace(connection)
	if version == Version10 {
		return !strings.EqualFold(connection, "keep-alive")
	}
	return strings.EqualFold(connection, "close")
}
