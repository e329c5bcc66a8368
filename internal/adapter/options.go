package adapter

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sadewadee/httpbridge/internal/codec"
)

// Option names understood by the adapter.
const (
	OptFormat    = "format"
	OptMethod    = "method"
	OptKeepAlive = "keepAlive"
	OptDebug     = "debug"
	OptDefault   = "default"
)

// Options is an immutable snapshot of a port's protocol options.
type Options struct {
	Format codec.Format
	Method string
	// KeepAlive is nil when the option is absent. Any value other than 1
	// closes the connection after each send.
	KeepAlive *int
	Debug     int
	Default   string
}

// DefaultOptions returns the options used when a port configures nothing.
func DefaultOptions() Options {
	return Options{Format: codec.XML}
}

// ParseOptions builds Options from a loosely typed option map such as the
// one decoded from YAML. When strict is set the format option is mandatory.
func ParseOptions(raw map[string]any, strict bool) (Options, error) {
	opts := DefaultOptions()

	if f, ok := raw[OptFormat]; ok {
		format, err := codec.ParseFormat(fmt.Sprint(f))
		if err != nil {
			return Options{}, fmt.Errorf("option %s: %w", OptFormat, err)
		}
		opts.Format = format
	} else if strict {
		return Options{}, fmt.Errorf("option %s is required", OptFormat)
	}

	if m, ok := raw[OptMethod]; ok {
		opts.Method = strings.ToUpper(strings.TrimSpace(fmt.Sprint(m)))
	}

	if k, ok := raw[OptKeepAlive]; ok {
		n, err := toInt(k)
		if err != nil {
			return Options{}, fmt.Errorf("option %s: %w", OptKeepAlive, err)
		}
		opts.KeepAlive = &n
	}

	if d, ok := raw[OptDebug]; ok {
		n, err := toInt(d)
		if err != nil {
			return Options{}, fmt.Errorf("option %s: %w", OptDebug, err)
		}
		opts.Debug = n
	}

	if d, ok := raw[OptDefault]; ok {
		opts.Default = strings.TrimSpace(fmt.Sprint(d))
	}

	return opts, nil
}

// ClosesAfterSend reports whether the keepAlive option forces a close.
func (o Options) ClosesAfterSend() bool {
	return o.KeepAlive != nil && *o.KeepAlive != 1
}

func toInt(x any) (int, error) {
	switch t := x.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("%v is not an integer", t)
		}
		return int(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", t)
		}
		return n, nil
	}
	return 0, fmt.Errorf("unsupported value %v (%T)", x, x)
}
