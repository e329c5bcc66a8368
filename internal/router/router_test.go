package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sadewadee/httpbridge/internal/value"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog()
	require.NoError(t, c.Register(Operation{Name: "echo", Kind: RequestResponse}))
	require.NoError(t, c.Register(Operation{Name: "log", Kind: OneWay}))
	require.NoError(t, c.Register(Operation{Name: "fallback", Kind: RequestResponse}))
	return c
}

func TestCatalogLookups(t *testing.T) {
	c := newCatalog(t)

	op, ok := c.RequestResponse("echo")
	assert.True(t, ok)
	assert.Equal(t, RequestResponse, op.Kind)

	_, ok = c.RequestResponse("log")
	assert.False(t, ok, "one-way operation must not be reported as request-response")

	_, ok = c.Operation("log")
	assert.True(t, ok)

	_, ok = c.Operation("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"echo", "fallback", "log"}, c.Names())
}

func TestCatalogRegisterValidation(t *testing.T) {
	c := NewCatalog()
	assert.Error(t, c.Register(Operation{Kind: OneWay}))
	assert.Error(t, c.Register(Operation{Name: "x", Kind: "sometimes"}))
}

func TestCatalogCanServe(t *testing.T) {
	c := newCatalog(t)
	echo, _ := c.Operation("echo")
	logOp, _ := c.Operation("log")

	assert.True(t, c.CanServe("public", echo), "unrestricted endpoint serves everything")

	c.Allow("public", "echo")
	assert.True(t, c.CanServe("public", echo))
	assert.False(t, c.CanServe("public", logOp))
	assert.False(t, c.CanServe("public", Operation{Name: "ghost", Kind: OneWay}))
}

func TestCatalogReplace(t *testing.T) {
	c := newCatalog(t)
	next := NewCatalog()
	require.NoError(t, next.Register(Operation{Name: "only", Kind: OneWay}))
	next.Allow("public", "only")

	c.Replace(next)
	assert.Equal(t, []string{"only"}, c.Names())
	op, _ := c.Operation("only")
	assert.True(t, c.CanServe("public", op))
}

func TestRouteKnownOperation(t *testing.T) {
	r := Router{Directory: newCatalog(t), Endpoint: "public", Default: "fallback"}
	v := value.NewString("payload")

	got := r.Route("echo", v)
	assert.Equal(t, Route{Operation: "echo", Value: v, Resolved: true}, got)
}

func TestRouteFallback(t *testing.T) {
	r := Router{Directory: newCatalog(t), Endpoint: "public", Default: "fallback"}
	v := value.New()
	v.First("x").SetString("1")

	got := r.Route("unknown", v)
	require.True(t, got.Resolved)
	assert.True(t, got.Fallback)
	assert.Equal(t, "fallback", got.Operation)
	assert.Same(t, v, got.Value.First(FallbackBody))
	assert.Equal(t, "unknown", got.Value.First(FallbackOperation).String())
	assert.Equal(t, []string{FallbackBody, FallbackOperation}, got.Value.Names())
}

func TestRouteFallbackWhenEndpointMayNotServe(t *testing.T) {
	c := newCatalog(t)
	c.Allow("public", "echo")
	r := Router{Directory: c, Endpoint: "public", Default: "fallback"}

	got := r.Route("log", value.New())
	assert.Equal(t, "fallback", got.Operation)
	assert.Equal(t, "log", got.Value.First(FallbackOperation).String())
}

func TestRouteUnresolvedWithoutDefault(t *testing.T) {
	r := Router{Directory: newCatalog(t), Endpoint: "public"}
	v := value.New()

	got := r.Route("unknown", v)
	assert.False(t, got.Resolved)
	assert.False(t, got.Fallback)
	assert.Equal(t, "unknown", got.Operation)
	assert.Same(t, v, got.Value)
}
