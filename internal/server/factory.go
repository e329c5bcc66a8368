package server

import (
	"fmt"
	"log/slog"

	"github.com/sadewadee/httpbridge/internal/adapter"
	"github.com/sadewadee/httpbridge/internal/config"
	"github.com/sadewadee/httpbridge/internal/httpwire"
	"github.com/sadewadee/httpbridge/internal/router"
)

// NewCatalog registers the configured operations and the inbound port's
// allow list.
func NewCatalog(cfg *config.Config) (*router.Catalog, error) {
	c := router.NewCatalog()
	for _, op := range cfg.Operations {
		if err := c.Register(router.Operation{Name: op.Name, Kind: router.OperationKind(op.Kind)}); err != nil {
			return nil, fmt.Errorf("registering operation %q: %w", op.Name, err)
		}
	}
	if len(cfg.Port.Allow) > 0 {
		c.Allow(cfg.Port.Name, cfg.Port.Allow...)
	}
	return c, nil
}

// NewFactory builds the exchange factory of the inbound port.
func NewFactory(cfg *config.Config, dir router.Directory, logger *slog.Logger, observer adapter.Observer) (*adapter.Factory, error) {
	opts, err := adapter.ParseOptions(cfg.Port.Options, cfg.Port.Strict)
	if err != nil {
		return nil, fmt.Errorf("port %q: %w", cfg.Port.Name, err)
	}
	f := &adapter.Factory{
		Options:   opts,
		Directory: dir,
		Endpoint:  cfg.Port.Name,
		Parser:    httpwire.NewParser(limits(cfg.Server)),
		Logger:    logger.With("port", cfg.Port.Name),
		Observer:  observer,
	}
	return f, nil
}

// NewOutputFactory builds the exchange factory of an outbound port.
func NewOutputFactory(cfg *config.Config, name string, dir router.Directory, logger *slog.Logger) (*adapter.Factory, error) {
	out, ok := cfg.Output(name)
	if !ok {
		return nil, fmt.Errorf("unknown output port %q", name)
	}
	opts, err := adapter.ParseOptions(out.Options, out.Strict)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", name, err)
	}
	loc, err := adapter.ParseLocation(out.Location)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", name, err)
	}
	return &adapter.Factory{
		Options:   opts,
		Directory: dir,
		Endpoint:  name,
		Location:  loc,
		Parser:    httpwire.NewParser(limits(cfg.Server)),
		Logger:    logger.With("output", name),
	}, nil
}

func limits(s config.ServerConfig) httpwire.Limits {
	l := httpwire.DefaultLimits()
	if s.MaxHeaderBytes > 0 {
		l.MaxHeaderBytes = s.MaxHeaderBytes
	}
	if s.MaxBodySize > 0 {
		l.MaxBodySize = s.MaxBodySize
	}
	return l
}
