// Package adapter implements the HTTP protocol adapter: it encodes runtime
// messages into HTTP requests and responses and decodes inbound HTTP
// messages into routed runtime messages.
package adapter

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sadewadee/httpbridge/internal/codec"
	"github.com/sadewadee/httpbridge/internal/httpwire"
	"github.com/sadewadee/httpbridge/internal/router"
	"github.com/sadewadee/httpbridge/internal/value"
)

// Message is a runtime message: an operation id and its value.
type Message struct {
	Operation string
	Value     *value.Value
	// Response is set on messages decoded from HTTP responses; they are
	// correlated to the last operation sent on the exchange.
	Response bool
	// Fallback is set when the request was re-wrapped for the default operation.
	Fallback bool
	// Unresolved is set when no operation matched and no default is configured.
	Unresolved bool
}

// Channel carries the close-after-use flag of one connection. The adapter
// sets it; the connection manager acts on it after the exchange.
type Channel struct {
	toBeClosed atomic.Bool
}

func (c *Channel) SetToBeClosed(v bool) { c.toBeClosed.Store(v) }
func (c *Channel) ToBeClosed() bool     { return c.toBeClosed.Load() }

// Direction of a traffic event.
const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

// Traffic describes one message crossing the adapter.
type Traffic struct {
	Exchange  string    `json:"exchange"`
	Direction string    `json:"direction"`
	Operation string    `json:"operation"`
	Raw       string    `json:"raw"`
	Time      time.Time `json:"time"`
}

// Observer receives traffic events. Implementations must not block.
type Observer interface {
	Observe(Traffic)
}

// Factory holds the immutable configuration shared by all exchanges of a
// port and creates one HTTPProtocol per exchange.
type Factory struct {
	Options   Options
	Directory router.Directory
	// Endpoint names the listener owning inbound connections.
	Endpoint string
	// Location resolves the target of outbound requests. It may be nil for
	// ports that only answer requests.
	Location Location
	Parser   httpwire.Parser
	Logger   *slog.Logger
	Observer Observer
}

// NewExchange returns a fresh adapter bound to ch. Per-exchange state starts
// empty; only the factory configuration is shared.
func (f *Factory) NewExchange(ch *Channel) *HTTPProtocol {
	parser := f.Parser
	if parser == nil {
		parser = httpwire.NewParser(httpwire.DefaultLimits())
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPProtocol{
		id:      uuid.New().String(),
		factory: f,
		parser:  parser,
		logger:  logger,
		channel: ch,
		router: router.Router{
			Directory: f.Directory,
			Endpoint:  f.Endpoint,
			Default:   f.Options.Default,
		},
	}
}

// HTTPProtocol is the adapter for a single exchange. Send and Recv must not
// be called concurrently.
type HTTPProtocol struct {
	id      string
	factory *Factory
	parser  httpwire.Parser
	logger  *slog.Logger
	channel *Channel
	router  router.Router

	lastOperation string
}

// ID returns the exchange id used in logs and traffic events.
func (p *HTTPProtocol) ID() string {
	return p.id
}

// LastOperation returns the operation responses are correlated to.
func (p *HTTPProtocol) LastOperation() string {
	return p.lastOperation
}

// Send encodes msg and writes it to w. A status line is written when msg
// answers a request-response operation, a request line towards the
// configured location otherwise.
func (p *HTTPProtocol) Send(w io.Writer, msg Message) error {
	opts := p.factory.Options

	v := msg.Value
	if v == nil {
		v = value.New()
	}
	body, err := codec.Encode(opts.Format, v)
	if err != nil {
		return sendError(KindEncoding, err)
	}

	frame := httpwire.Frame{
		ContentType: body.ContentType,
		Body:        body.Content,
	}

	if _, ok := p.factory.Directory.RequestResponse(msg.Operation); ok {
		frame.StartLine = httpwire.StatusLine
	} else {
		if p.factory.Location == nil {
			return sendError(KindEndpointResolution, fmt.Errorf("operation %q: no location configured", msg.Operation))
		}
		uri, err := p.factory.Location.Resolve()
		if err != nil {
			return sendError(KindEndpointResolution, err)
		}
		path := httpwire.OperationPath(uri.Path, msg.Operation)
		frame.StartLine = httpwire.RequestLine(opts.Method, path, body.Query)
		frame.Host = uri.Host
	}

	if opts.ClosesAfterSend() {
		p.channel.SetToBeClosed(true)
		frame.Close = true
	}

	raw := frame.Bytes()
	if opts.Debug > 0 {
		p.logger.Info("http debug: sending",
			"exchange", p.id,
			"operation", msg.Operation,
			"message", string(raw),
		)
	}
	p.observe(DirectionSend, msg.Operation, raw)

	p.lastOperation = msg.Operation

	if _, err := w.Write(raw); err != nil {
		return sendError(KindTransport, fmt.Errorf("writing message: %w", err))
	}
	if fl, ok := w.(interface{ Flush() error }); ok {
		if err := fl.Flush(); err != nil {
			return sendError(KindTransport, fmt.Errorf("flushing message: %w", err))
		}
	}
	return nil
}

// Recv reads one HTTP message from r, updates the connection's close flag
// from the message's version and Connection header, decodes the body and
// either correlates a response or routes a request.
func (p *HTTPProtocol) Recv(r *bufio.Reader) (Message, error) {
	hm, err := p.parser.Parse(r)
	if err != nil {
		return Message{}, recvError(err)
	}

	p.channel.SetToBeClosed(httpwire.ShouldClose(hm.Version, hm.Header.Get("Connection")))

	if p.factory.Options.Debug > 0 {
		p.logDebugRecv(hm)
	}

	v, err := codec.Decode(hm.ContentType(), hm.Body)
	if err != nil {
		return Message{}, recvError(err)
	}
	if hm.Kind == httpwire.KindGet && len(hm.Body) == 0 {
		codec.DecodeQuery(hm.RawQuery, v)
	}

	var msg Message
	if hm.Kind == httpwire.KindResponse {
		msg = Message{Operation: p.lastOperation, Value: v, Response: true}
	} else {
		route := p.router.Route(hm.Path, v)
		msg = Message{
			Operation:  route.Operation,
			Value:      route.Value,
			Fallback:   route.Fallback,
			Unresolved: !route.Resolved,
		}
		p.lastOperation = route.Operation
	}

	if p.factory.Observer != nil {
		p.observe(DirectionRecv, msg.Operation, rawInbound(hm))
	}
	return msg, nil
}

func (p *HTTPProtocol) logDebugRecv(hm *httpwire.Message) {
	var b strings.Builder
	hm.Header.Each(func(name, val string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(val)
		b.WriteByte('\n')
	})
	p.logger.Info("http debug: receiving",
		"exchange", p.id,
		"kind", hm.Kind.String(),
		"version", hm.Version.String(),
		"path", hm.Path,
		"headers", b.String(),
		"content", string(hm.Body),
	)
}

func (p *HTTPProtocol) observe(direction, operation string, raw []byte) {
	if p.factory.Observer == nil {
		return
	}
	p.factory.Observer.Observe(Traffic{
		Exchange:  p.id,
		Direction: direction,
		Operation: operation,
		Raw:       string(raw),
		Time:      time.Now(),
	})
}

func rawInbound(hm *httpwire.Message) []byte {
	var b strings.Builder
	switch hm.Kind {
	case httpwire.KindResponse:
		fmt.Fprintf(&b, "%s %d", hm.Version, hm.Status)
	default:
		target := "/" + hm.Path
		if hm.RawQuery != "" {
			target += "?" + hm.RawQuery
		}
		fmt.Fprintf(&b, "%s %s %s", hm.Kind, target, hm.Version)
	}
	b.WriteString(httpwire.CRLF)
	hm.Header.Each(func(name, val string) {
		b.WriteString(name + ": " + val + httpwire.CRLF)
	})
	b.WriteString(httpwire.CRLF)
	b.Write(hm.Body)
	return []byte(b.String())
}
