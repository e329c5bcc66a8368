package adapter

import (
	"errors"
	"fmt"

	"github.com/sadewadee/httpbridge/internal/codec"
	"github.com/sadewadee/httpbridge/internal/httpwire"
)

// ErrorKind classifies adapter failures.
type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindMalformedMessage
	KindMalformedBody
	KindEndpointResolution
	KindEncoding
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindMalformedMessage:
		return "malformed message"
	case KindMalformedBody:
		return "malformed body"
	case KindEndpointResolution:
		return "endpoint resolution"
	case KindEncoding:
		return "encoding"
	}
	return "unknown"
}

// Error is the single failure type returned by Send and Recv.
type Error struct {
	Kind ErrorKind
	Op   string // "send" or "recv"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("http %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an adapter Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == k
}

// recvError classifies parser and codec failures.
func recvError(err error) error {
	kind := KindTransport
	switch {
	case errors.Is(err, httpwire.ErrMalformedMessage):
		kind = KindMalformedMessage
	case errors.Is(err, codec.ErrMalformedBody):
		kind = KindMalformedBody
	}
	return &Error{Kind: kind, Op: "recv", Err: err}
}

func sendError(kind ErrorKind, err error) error {
	return &Error{Kind: kind, Op: "send", Err: err}
}
