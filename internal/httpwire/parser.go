package httpwire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformedMessage is returned for start lines or headers that do not
// follow the supported HTTP/1.x subset.
var ErrMalformedMessage = errors.New("malformed http message")

// Limits bounds what the parser accepts.
type Limits struct {
	MaxHeaderBytes int
	MaxBodySize    int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: 64 << 10,
		MaxBodySize:    8 << 20,
	}
}

// Parser turns a byte stream into decoded messages.
type Parser interface {
	Parse(r *bufio.Reader) (*Message, error)
}

// NewParser returns the default HTTP/1.x parser.
func NewParser(limits Limits) Parser {
	if limits.MaxHeaderBytes <= 0 {
		limits.MaxHeaderBytes = DefaultLimits().MaxHeaderBytes
	}
	if limits.MaxBodySize <= 0 {
		limits.MaxBodySize = DefaultLimits().MaxBodySize
	}
	return &parser{limits: limits}
}

type parser struct {
	limits Limits
}

// Parse reads one message: start line, headers up to the blank line, then
// Content-Length bytes of body. Only CRLF line endings are accepted.
func (p *parser) Parse(r *bufio.Reader) (*Message, error) {
	budget := p.limits.MaxHeaderBytes

	// Empty lines before the start line are skipped; the framer terminates
	// every body with CRLF, which is left over on persistent connections.
	var line string
	for line == "" {
		var err error
		line, err = readLine(r, &budget)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("reading start line: %w", err)
		}
	}

	msg := &Message{}
	if err := parseStartLine(line, msg); err != nil {
		return nil, err
	}

	for {
		line, err := readLine(r, &budget)
		if err != nil {
			return nil, fmt.Errorf("reading headers: %w", err)
		}
		if line == "" {
			break
		}
		name, val, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.TrimSpace(name) != name {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformedMessage, line)
		}
		msg.Header.Set(name, strings.TrimSpace(val))
	}

	if te := msg.Header.Get("Transfer-Encoding"); te != "" && !strings.EqualFold(te, "identity") {
		return nil, fmt.Errorf("%w: unsupported transfer encoding %q", ErrMalformedMessage, te)
	}

	if cl, ok := msg.Header.Lookup("Content-Length"); ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content length %q", ErrMalformedMessage, cl)
		}
		if n > p.limits.MaxBodySize {
			return nil, fmt.Errorf("%w: content length %d exceeds limit %d", ErrMalformedMessage, n, p.limits.MaxBodySize)
		}
		if n > 0 {
			msg.Body = make([]byte, n)
			if _, err := io.ReadFull(r, msg.Body); err != nil {
				return nil, fmt.Errorf("reading body (%d bytes): %w", n, err)
			}
		}
	}

	return msg, nil
}

func parseStartLine(line string, msg *Message) error {
	parts := strings.Split(line, " ")
	if len(parts) < 2 {
		return fmt.Errorf("%w: bad start line %q", ErrMalformedMessage, line)
	}

	if strings.HasPrefix(parts[0], "HTTP/") {
		version, _ := parseVersion(parts[0])
		status, err := strconv.Atoi(parts[1])
		if err != nil || len(parts[1]) != 3 {
			return fmt.Errorf("%w: bad status code %q", ErrMalformedMessage, parts[1])
		}
		msg.Kind = KindResponse
		msg.Version = version
		msg.Status = status
		return nil
	}

	if len(parts) != 3 {
		return fmt.Errorf("%w: bad request line %q", ErrMalformedMessage, line)
	}
	switch parts[0] {
	case "GET":
		msg.Kind = KindGet
	case "POST":
		msg.Kind = KindPost
	default:
		return fmt.Errorf("%w: unsupported method %q", ErrMalformedMessage, parts[0])
	}
	version, ok := parseVersion(parts[2])
	if !ok {
		return fmt.Errorf("%w: bad protocol version %q", ErrMalformedMessage, parts[2])
	}
	msg.Version = version

	target := parts[1]
	if target == "" {
		return fmt.Errorf("%w: empty request target", ErrMalformedMessage)
	}
	path, query, _ := strings.Cut(target, "?")
	msg.Path = strings.TrimPrefix(path, "/")
	msg.RawQuery = query
	return nil
}

// readLine returns one CRLF-terminated line without its terminator,
// charging its length against budget.
func readLine(r *bufio.Reader, budget *int) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		*budget -= len(chunk)
		if *budget < 0 {
			return "", fmt.Errorf("%w: header section too large", ErrMalformedMessage)
		}
		buf = append(buf, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			return "", fmt.Errorf("%w: %v", io.ErrUnexpectedEOF, err)
		}
		return "", err
	}
	if !bytes.HasSuffix(buf, []byte(CRLF)) {
		return "", fmt.Errorf("%w: line not terminated by CRLF", ErrMalformedMessage)
	}
	return string(buf[:len(buf)-2]), nil
}
