package server

import (
	"context"

	"github.com/sadewadee/httpbridge/internal/pool"
	"github.com/sadewadee/httpbridge/internal/protocol"
	"github.com/sadewadee/httpbridge/internal/value"
)

// Runtime receives routed messages. *pool.Pool is the production
// implementation.
type Runtime interface {
	Call(ctx context.Context, env protocol.Envelope, v *value.Value) (*value.Value, error)
	Stats() pool.PoolStats
}
