package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/sadewadee/httpbridge/internal/value"
)

// DecodeForm reads the first line of an url-encoded body. Each key=value pair
// sets the first child named key, so a repeated key keeps only its last value.
func DecodeForm(body []byte, v *value.Value) error {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 4096), len(body)+1)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		return fmt.Errorf("%w: empty form body", ErrMalformedBody)
	}
	line := strings.TrimSuffix(sc.Text(), "\r")
	if line == "" {
		return fmt.Errorf("%w: empty form body", ErrMalformedBody)
	}
	setPairs(line, v)
	return nil
}

// DecodeQuery decodes a request-target query string with the form rules.
func DecodeQuery(rawQuery string, v *value.Value) {
	if rawQuery == "" {
		return
	}
	setPairs(rawQuery, v)
}

func setPairs(s string, v *value.Value) {
	for _, segment := range strings.Split(s, "&") {
		if segment == "" {
			continue
		}
		key, val, _ := strings.Cut(segment, "=")
		v.First(unescape(key)).SetString(unescape(val))
	}
}

func unescape(s string) string {
	out, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return out
}
