package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sadewadee/httpbridge/internal/adapter"
	"github.com/sadewadee/httpbridge/internal/config"
	"github.com/sadewadee/httpbridge/internal/httpwire"
	"github.com/sadewadee/httpbridge/internal/pool"
	"github.com/sadewadee/httpbridge/internal/protocol"
	"github.com/sadewadee/httpbridge/internal/router"
	"github.com/sadewadee/httpbridge/internal/value"
)

type fakeRuntime struct {
	mu    sync.Mutex
	calls []protocol.Envelope
	fail  error
}

func (r *fakeRuntime) Call(ctx context.Context, env protocol.Envelope, v *value.Value) (*value.Value, error) {
	r.mu.Lock()
	r.calls = append(r.calls, env)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	reply := value.New()
	reply.First("greeting").SetString("hi " + v.First("name").String())
	return reply, nil
}

func (r *fakeRuntime) Stats() pool.PoolStats {
	return pool.PoolStats{TotalWorkers: 1, IdleWorkers: 1}
}

func (r *fakeRuntime) Calls() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.calls...)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Admin.Enabled = false
	cfg.Operations = []config.OperationConfig{
		{Name: "echo", Kind: config.KindRequestResponse},
		{Name: "notify", Kind: config.KindOneWay},
	}
	return cfg
}

func testFactory(t testing.TB, cfg *config.Config) *adapter.Factory {
	t.Helper()
	catalog, err := NewCatalog(cfg)
	require.NoError(t, err)
	f, err := NewFactory(cfg, catalog, discard, nil)
	require.NoError(t, err)
	return f
}

func newTestListener(t *testing.T, cfg *config.Config, rt Runtime) *Listener {
	t.Helper()
	return NewListener(testFactory(t, cfg), rt, ListenerConfig{IdleTimeout: 5 * time.Second}, NewMetrics(rt, nil), discard)
}

// dial connects a client to l over an in-memory pipe. The returned channel
// is closed once the listener has closed its side.
func dial(t *testing.T, l *Listener) (net.Conn, <-chan struct{}) {
	t.Helper()
	srv, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		l.ServeConn(context.Background(), srv)
		close(done)
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func xmlRequest(path, name string) string {
	body := "<name>" + name + "</name>"
	return fmt.Sprintf("POST /%s HTTP/1.1\r\nContent-Type: text/xml\r\nContent-Length: %d\r\n\r\n%s", path, len(body), body)
}

func readResponse(t *testing.T, r *bufio.Reader) *httpwire.Message {
	t.Helper()
	msg, err := httpwire.NewParser(httpwire.DefaultLimits()).Parse(r)
	require.NoError(t, err)
	require.Equal(t, httpwire.KindResponse, msg.Kind)
	return msg
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

const greeting = `<?xml version="1.0" encoding="UTF-8"?><greeting>hi Ada</greeting>`

func TestRequestResponseKeepsConnection(t *testing.T) {
	rt := &fakeRuntime{}
	l := newTestListener(t, testConfig(), rt)
	client, done := dial(t, l)
	r := bufio.NewReader(client)

	for i := 0; i < 2; i++ {
		_, err := io.WriteString(client, xmlRequest("echo", "Ada"))
		require.NoError(t, err)

		resp := readResponse(t, r)
		assert.Equal(t, 200, resp.Status)
		assert.Equal(t, `text/xml; charset="utf-8"`, resp.ContentType())
		assert.Equal(t, greeting, string(resp.Body))
	}

	calls := rt.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "echo", calls[0].Operation)
	assert.Equal(t, protocol.KindRequestResponse, calls[0].Kind)
	assert.NotEqual(t, calls[0].ExchangeID, calls[1].ExchangeID)

	client.Close()
	waitClosed(t, done)
}

func TestConnectionCloseHeader(t *testing.T) {
	l := newTestListener(t, testConfig(), &fakeRuntime{})
	client, done := dial(t, l)

	body := "<name>Ada</name>"
	req := "POST /echo HTTP/1.1\r\nConnection: close\r\nContent-Type: text/xml\r\nContent-Length: 16\r\n\r\n" + body
	_, err := io.WriteString(client, req)
	require.NoError(t, err)

	resp := readResponse(t, bufio.NewReader(client))
	assert.Equal(t, greeting, string(resp.Body))
	waitClosed(t, done)
}

func TestHTTP10ClosesByDefault(t *testing.T) {
	l := newTestListener(t, testConfig(), &fakeRuntime{})
	client, done := dial(t, l)

	_, err := io.WriteString(client, "GET /echo?name=Ada HTTP/1.0\r\n\r\n")
	require.NoError(t, err)

	resp := readResponse(t, bufio.NewReader(client))
	assert.Equal(t, greeting, string(resp.Body))
	waitClosed(t, done)
}

func TestKeepAliveOptionClosesAfterReply(t *testing.T) {
	cfg := testConfig()
	cfg.Port.Options = map[string]any{"keepAlive": 0}
	l := newTestListener(t, cfg, &fakeRuntime{})
	client, done := dial(t, l)

	_, err := io.WriteString(client, xmlRequest("echo", "Ada"))
	require.NoError(t, err)

	resp := readResponse(t, bufio.NewReader(client))
	assert.Equal(t, "close", resp.Header.Get("Connection"))
	waitClosed(t, done)
}

func TestOneWayGetsNoReply(t *testing.T) {
	rt := &fakeRuntime{}
	l := newTestListener(t, testConfig(), rt)
	client, done := dial(t, l)

	_, err := io.WriteString(client, xmlRequest("notify", "Ada"))
	require.NoError(t, err)

	waitClosed(t, done)
	n, err := client.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.Error(t, err)

	calls := rt.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, protocol.KindOneWay, calls[0].Kind)
}

func TestFallbackOperation(t *testing.T) {
	cfg := testConfig()
	cfg.Port.Options = map[string]any{"default": "echo"}
	rt := &fakeRuntime{}
	l := newTestListener(t, cfg, rt)
	client, _ := dial(t, l)

	_, err := io.WriteString(client, xmlRequest("unknown", "Ada"))
	require.NoError(t, err)

	resp := readResponse(t, bufio.NewReader(client))
	assert.Equal(t, 200, resp.Status)

	calls := rt.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "echo", calls[0].Operation)
	assert.True(t, calls[0].Fallback)
}

func TestUnresolvedOperationCloses(t *testing.T) {
	rt := &fakeRuntime{}
	metrics := NewMetrics(rt, nil)
	l := NewListener(testFactory(t, testConfig()), rt, ListenerConfig{}, metrics, discard)
	client, done := dial(t, l)

	_, err := io.WriteString(client, xmlRequest("ghost", "Ada"))
	require.NoError(t, err)

	waitClosed(t, done)
	assert.Empty(t, rt.Calls())
	assert.Contains(t, metrics.render(), `httpbridge_exchanges_total{operation="ghost",outcome="unresolved"} 1`)
}

func TestRuntimeErrorCloses(t *testing.T) {
	rt := &fakeRuntime{fail: &pool.RuntimeError{Operation: "echo", Message: "boom"}}
	metrics := NewMetrics(rt, nil)
	l := NewListener(testFactory(t, testConfig()), rt, ListenerConfig{}, metrics, discard)
	client, done := dial(t, l)

	_, err := io.WriteString(client, xmlRequest("echo", "Ada"))
	require.NoError(t, err)

	waitClosed(t, done)
	assert.Contains(t, metrics.render(), `httpbridge_exchanges_total{operation="echo",outcome="runtime_error"} 1`)
}

func TestMalformedMessageCloses(t *testing.T) {
	rt := &fakeRuntime{}
	metrics := NewMetrics(rt, nil)
	l := NewListener(testFactory(t, testConfig()), rt, ListenerConfig{}, metrics, discard)
	client, done := dial(t, l)

	go io.WriteString(client, "DELETE /echo HTTP/1.1\r\n\r\n")

	waitClosed(t, done)
	assert.Empty(t, rt.Calls())
	assert.Contains(t, metrics.render(), `httpbridge_adapter_errors_total{kind="malformed message"} 1`)
}

func TestSetFactory(t *testing.T) {
	cfg := testConfig()
	rt := &fakeRuntime{}
	l := newTestListener(t, cfg, rt)

	cfg.Port.Options = map[string]any{"default": "echo"}
	l.SetFactory(testFactory(t, cfg))
	assert.Equal(t, "echo", l.Factory().Options.Default)

	client, _ := dial(t, l)
	_, err := io.WriteString(client, xmlRequest("ghost", "Ada"))
	require.NoError(t, err)
	readResponse(t, bufio.NewReader(client))

	calls := rt.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Fallback)
}

func TestMaxConnections(t *testing.T) {
	rt := &fakeRuntime{}
	l := NewListener(testFactory(t, testConfig()), rt, ListenerConfig{MaxConnections: 1}, nil, discard)

	first, _ := dial(t, l)
	require.Eventually(t, func() bool { return l.Connections() == 1 }, time.Second, 5*time.Millisecond)

	_, done := dial(t, l)
	waitClosed(t, done)

	_, err := io.WriteString(first, xmlRequest("echo", "Ada"))
	require.NoError(t, err)
	readResponse(t, bufio.NewReader(first))
}

func TestServeAndStop(t *testing.T) {
	rt := &fakeRuntime{}
	cfg := testConfig()
	s := New(cfg, testFactory(t, cfg), rt, nil, discard)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, xmlRequest("echo", "Ada"))
	require.NoError(t, err)
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, greeting, string(resp.Body))
	assert.Equal(t, ln.Addr().String(), s.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.ErrorIs(t, s.listener.Serve(ln), ErrListenerClosed)
}

func TestAdminEndpoints(t *testing.T) {
	rt := &fakeRuntime{}
	cfg := testConfig()
	s := New(cfg, testFactory(t, cfg), rt, nil, discard)
	h := s.AdminHandler()

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/health", http.StatusOK, `"status":"ok"`},
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/ready", http.StatusOK, `"status":"ready"`},
		{"/readyz", http.StatusOK, `"total":1`},
		{"/metrics", http.StatusOK, "httpbridge_workers_total 1"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Contains(t, s.Metrics().render(), `httpbridge_admin_requests_total{method="GET",status="200"}`)
}

func TestReadinessWhileStopping(t *testing.T) {
	rt := &fakeRuntime{}
	l := NewListener(testFactory(t, testConfig()), rt, ListenerConfig{}, nil, discard)
	h := NewHealthHandler(rt, l)

	require.NoError(t, l.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), RecoveryMiddleware(discard))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNewCatalog(t *testing.T) {
	cfg := testConfig()
	cfg.Port.Allow = []string{"echo"}
	c, err := NewCatalog(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"echo", "notify"}, c.Names())
	echo, _ := c.Operation("echo")
	notify, _ := c.Operation("notify")
	assert.True(t, c.CanServe(cfg.Port.Name, echo))
	assert.False(t, c.CanServe(cfg.Port.Name, notify))
	_, ok := c.RequestResponse("notify")
	assert.False(t, ok)

	cfg.Operations = append(cfg.Operations, config.OperationConfig{Name: "bad", Kind: "sometimes"})
	_, err = NewCatalog(cfg)
	assert.Error(t, err)
}

func TestNewFactoryRejectsOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Port.Options = map[string]any{"format": "json"}
	_, err := NewFactory(cfg, router.NewCatalog(), discard, nil)
	assert.Error(t, err)
}

func TestNewOutputFactory(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxBodySize = 1024
	cfg.Outputs = []config.OutputConfig{{
		Name:     "upstream",
		Location: "socket://localhost:9000/api",
		Options:  map[string]any{"format": "rest"},
	}}

	f, err := NewOutputFactory(cfg, "upstream", router.NewCatalog(), discard)
	require.NoError(t, err)
	assert.Equal(t, "upstream", f.Endpoint)
	uri, err := f.Location.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", uri.Host)

	_, err = NewOutputFactory(cfg, "missing", router.NewCatalog(), discard)
	assert.Error(t, err)

	assert.Equal(t, int64(1024), limits(cfg.Server).MaxBodySize)
}

func TestRuntimeFailureIsNotRuntimeError(t *testing.T) {
	rt := &fakeRuntime{fail: errors.New("pool exhausted")}
	l := newTestListener(t, testConfig(), rt)
	client, done := dial(t, l)

	_, err := io.WriteString(client, xmlRequest("echo", "Ada"))
	require.NoError(t, err)
	waitClosed(t, done)

	buf, _ := io.ReadAll(client)
	assert.False(t, strings.Contains(string(buf), "HTTP/1.1"))
}
