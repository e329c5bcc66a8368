package adapter

import (
	"errors"
	"fmt"
	"net/url"
)

// Location yields the target URI of outbound requests.
type Location interface {
	Resolve() (*url.URL, error)
}

// FixedLocation is a location taken from configuration.
type FixedLocation struct {
	URI *url.URL
}

// ParseLocation parses a configured location such as
// "socket://localhost:8000/svc".
func ParseLocation(s string) (FixedLocation, error) {
	u, err := url.Parse(s)
	if err != nil {
		return FixedLocation{}, fmt.Errorf("parsing location %q: %w", s, err)
	}
	if u.Host == "" {
		return FixedLocation{}, fmt.Errorf("location %q has no host", s)
	}
	return FixedLocation{URI: u}, nil
}

func (l FixedLocation) Resolve() (*url.URL, error) {
	if l.URI == nil {
		return nil, errors.New("no location configured")
	}
	return l.URI, nil
}

// DynamicLocation evaluates the location on every send, for locations held
// in a runtime variable.
type DynamicLocation func() (string, error)

func (f DynamicLocation) Resolve() (*url.URL, error) {
	s, err := f()
	if err != nil {
		return nil, fmt.Errorf("evaluating location: %w", err)
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parsing location %q: %w", s, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("location %q has no host", s)
	}
	return u, nil
}
