// Package codec implements the HTTP body formats used by the adapter.
package codec

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/sadewadee/httpbridge/internal/value"
)

// ErrMalformedBody is returned when a body cannot be decoded.
var ErrMalformedBody = errors.New("malformed body")

// Format selects the outbound body encoding.
type Format int

const (
	XML Format = iota
	Raw
	HTML
	Rest
)

// Content types produced and recognised by the codecs.
const (
	ContentTypeXML   = "text/xml"
	ContentTypePlain = "text/plain"
	ContentTypeHTML  = "text/html"
	ContentTypeForm  = "application/x-www-form-urlencoded"
)

var formatNames = [...]string{
	XML:  "xml",
	Raw:  "raw",
	HTML: "html",
	Rest: "rest",
}

func (f Format) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return fmt.Sprintf("Format(%d)", int(f))
	}
	return formatNames[f]
}

// ParseFormat maps a configuration string onto a Format.
func ParseFormat(s string) (Format, error) {
	for i, name := range formatNames {
		if strings.EqualFold(s, name) {
			return Format(i), nil
		}
	}
	return 0, fmt.Errorf("unknown format %q", s)
}

// Body is an encoded outbound payload. Query is only set by the rest format,
// which carries the value in the request target instead of the body.
type Body struct {
	Content     string
	ContentType string
	Query       string
}

// Encode renders v in format f.
func Encode(f Format, v *value.Value) (Body, error) {
	switch f {
	case XML:
		content, err := EncodeXML(v)
		if err != nil {
			return Body{}, err
		}
		return Body{Content: content, ContentType: ContentTypeXML}, nil
	case Raw:
		return Body{Content: v.String(), ContentType: ContentTypePlain}, nil
	case HTML:
		return Body{Content: v.String(), ContentType: ContentTypeHTML}, nil
	case Rest:
		return Body{Query: EncodeRest(v), ContentType: ContentTypePlain}, nil
	default:
		return Body{}, fmt.Errorf("encoding with %s: unsupported format", f)
	}
}

// Decode parses body according to contentType. Form bodies use the form
// decoder; every other or missing content type goes through XML.
func Decode(contentType string, body []byte) (*value.Value, error) {
	v := value.New()
	if len(body) == 0 {
		return v, nil
	}
	if isForm(contentType) {
		if err := DecodeForm(body, v); err != nil {
			return nil, err
		}
		return v, nil
	}
	if err := DecodeXML(body, v); err != nil {
		return nil, err
	}
	return v, nil
}

func isForm(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.EqualFold(mediaType, ContentTypeForm)
}
