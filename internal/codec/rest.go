package codec

import (
	"net/url"
	"strings"

	"github.com/sadewadee/httpbridge/internal/value"
)

// EncodeRest flattens v into a request-target suffix: the root scalar, then
// "?" and one key=value pair per child element. Keys are written as given and
// only values are escaped. Grandchildren are dropped.
func EncodeRest(v *value.Value) string {
	var b strings.Builder
	b.WriteString(v.String())
	if v.Len() == 0 {
		return b.String()
	}

	b.WriteByte('?')
	first := true
	v.Each(func(name string, child *value.Value) {
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(escapeQuery(child.String()))
	})
	out := b.String()
	if first {
		out = strings.TrimSuffix(out, "?")
	}
	return out
}

// escapeQuery escapes a query component with spaces as %20.
func escapeQuery(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
