// Package httpwire holds the HTTP/1.x message model, the start-line and
// header parser, and the outbound framer used by the adapter.
package httpwire

import "strings"

// CRLF terminates every line on the wire.
const CRLF = "\r\n"

// Version is the protocol version announced by a message.
type Version uint8

const (
	VersionUnspecified Version = iota
	Version10
	Version11
)

func (v Version) String() string {
	switch v {
	case Version10:
		return "HTTP/1.0"
	case Version11:
		return "HTTP/1.1"
	}
	return "unspecified"
}

func parseVersion(s string) (Version, bool) {
	switch s {
	case "HTTP/1.0":
		return Version10, true
	case "HTTP/1.1":
		return Version11, true
	}
	if strings.HasPrefix(s, "HTTP/") {
		return VersionUnspecified, true
	}
	return VersionUnspecified, false
}

// Kind tells requests from responses.
type Kind uint8

const (
	KindGet Kind = iota + 1
	KindPost
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindGet:
		return "GET"
	case KindPost:
		return "POST"
	case KindResponse:
		return "response"
	}
	return "unknown"
}

// IsRequest reports whether k is a request kind.
func (k Kind) IsRequest() bool {
	return k == KindGet || k == KindPost
}

// Header is a header map with case-insensitive lookup. Keys are stored
// lower-cased; Names keeps the order and spelling seen on the wire.
type Header struct {
	values map[string]string
	names  []string
}

// Set stores value under name, replacing an earlier value.
func (h *Header) Set(name, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		h.names = append(h.names, name)
	}
	h.values[key] = value
}

// Get returns the value stored under name, or "".
func (h Header) Get(name string) string {
	return h.values[strings.ToLower(name)]
}

// Lookup returns the value stored under name and whether it exists.
func (h Header) Lookup(name string) (string, bool) {
	v, ok := h.values[strings.ToLower(name)]
	return v, ok
}

// Each calls fn for every header in wire order.
func (h Header) Each(fn func(name, value string)) {
	for _, name := range h.names {
		fn(name, h.values[strings.ToLower(name)])
	}
}

// Len returns the number of distinct headers.
func (h Header) Len() int {
	return len(h.names)
}

// Message is a decoded HTTP message handed to the adapter.
type Message struct {
	Version Version
	Kind    Kind
	// Path is the request target without its leading "/" and query string;
	// it is the candidate operation id.
	Path     string
	RawQuery string
	Status   int
	Header   Header
	Body     []byte
}

// ContentType returns the Content-Type header.
func (m *Message) ContentType() string {
	return m.Header.Get("Content-Type")
}
