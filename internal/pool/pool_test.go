package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sadewadee/httpbridge/internal/config"
	"github.com/sadewadee/httpbridge/internal/protocol"
	"github.com/sadewadee/httpbridge/internal/value"
)

type handlerFunc func(env *protocol.Envelope, v *value.Value) (*value.Value, error)

// fakeProc stands in for a worker process whose stdin and stdout are pipes.
type fakeProc struct {
	once   sync.Once
	exited chan struct{}
	in     *io.PipeReader
	out    *io.PipeWriter
}

func (p *fakeProc) exit() {
	p.once.Do(func() {
		p.in.CloseWithError(io.ErrClosedPipe)
		p.out.CloseWithError(io.ErrClosedPipe)
		close(p.exited)
	})
}

func (p *fakeProc) Wait() error { <-p.exited; return nil }
func (p *fakeProc) Kill() error { p.exit(); return nil }
func (p *fakeProc) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// serve plays the runtime side of the bridge protocol.
func (p *fakeProc) serve(h handlerFunc) {
	defer p.exit()
	if err := protocol.WriteFrame(p.out, protocol.NewWorkerReadyFrame()); err != nil {
		return
	}
	for {
		f, err := protocol.ReadFrame(p.in, 0)
		if err != nil {
			return
		}
		switch f.Type {
		case protocol.TypeRequest:
			env, v, err := protocol.DecodeRequest(f)
			if err != nil {
				return
			}
			reply, herr := h(env, v)
			var out *protocol.Frame
			if herr != nil {
				out = protocol.NewErrorFrame(f.Seq, herr.Error())
			} else {
				pc, _ := protocol.CodecByName(env.Codec)
				out, err = protocol.EncodeResponse(f.Seq, protocol.Envelope{ExchangeID: env.ExchangeID, Operation: env.Operation}, reply, pc)
				if err != nil {
					return
				}
			}
			if protocol.WriteFrame(p.out, out) != nil {
				return
			}
			if protocol.WriteFrame(p.out, protocol.NewWorkerReadyFrame()) != nil {
				return
			}
		case protocol.TypePing:
			if protocol.WriteFrame(p.out, protocol.NewPongFrame()) != nil {
				return
			}
		case protocol.TypeWorkerStop:
			return
		}
	}
}

func startFake(id int, h handlerFunc) (*Worker, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	proc := &fakeProc{exited: make(chan struct{}), in: inR, out: outW}
	go proc.serve(h)
	return newWorker(id, proc, inW, outR, 0)
}

func echoHandler(env *protocol.Envelope, v *value.Value) (*value.Value, error) {
	if env.Operation == "fail" {
		return nil, errors.New("no such operation")
	}
	reply := value.New()
	reply.First("operation").SetString(env.Operation)
	reply.First("name").SetString(v.First("name").String())
	return reply, nil
}

func testConfig() config.RuntimeConfig {
	return config.RuntimeConfig{
		Codec:           "cbor",
		MinWorkers:      1,
		MaxWorkers:      2,
		AllocateTimeout: config.Duration(time.Second),
		RequestTimeout:  config.Duration(time.Second),
		StopTimeout:     config.Duration(200 * time.Millisecond),
		PingInterval:    config.Duration(time.Hour),
	}
}

func newTestPool(t *testing.T, cfg config.RuntimeConfig, h handlerFunc) *Pool {
	t.Helper()
	p, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	p.spawn = func(id int) (*Worker, error) { return startFake(id, h) }
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Stop() })
	return p
}

func request(name string) *value.Value {
	v := value.New()
	v.First("name").SetString(name)
	return v
}

func TestCallReturnsReply(t *testing.T) {
	p := newTestPool(t, testConfig(), echoHandler)

	env := protocol.Envelope{ExchangeID: "ex-1", Operation: "greet", Kind: protocol.KindRequestResponse}
	reply, err := p.Call(context.Background(), env, request("Ada"))
	require.NoError(t, err)
	assert.Equal(t, "greet", reply.First("operation").String())
	assert.Equal(t, "Ada", reply.First("name").String())

	// the worker is reusable
	reply, err = p.Call(context.Background(), env, request("Grace"))
	require.NoError(t, err)
	assert.Equal(t, "Grace", reply.First("name").String())

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.FailedRequests)
	assert.Equal(t, 1, stats.TotalWorkers)
}

func TestCallRuntimeError(t *testing.T) {
	p := newTestPool(t, testConfig(), echoHandler)

	_, err := p.Call(context.Background(), protocol.Envelope{Operation: "fail"}, value.New())
	var rerr *RuntimeError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	assert.Equal(t, "fail", rerr.Operation)
	assert.Equal(t, "no such operation", rerr.Message)
	assert.Equal(t, int64(1), p.Stats().FailedRequests)

	// an ERROR frame does not cost the worker
	_, err = p.Call(context.Background(), protocol.Envelope{Operation: "ok"}, request("x"))
	assert.NoError(t, err)
}

func TestRecycleAfterMaxJobs(t *testing.T) {
	cfg := testConfig()
	cfg.MaxJobs = 1
	p := newTestPool(t, cfg, echoHandler)

	first := p.Workers()
	require.Len(t, first, 1)

	for i := 0; i < 3; i++ {
		_, err := p.Call(context.Background(), protocol.Envelope{Operation: "op"}, request("n"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		ws := p.Workers()
		return len(ws) == 1 && ws[0].ID > first[0].ID+1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAllocateTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	cfg.AllocateTimeout = config.Duration(50 * time.Millisecond)

	unblock := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(unblock) }) })

	p := newTestPool(t, cfg, func(env *protocol.Envelope, v *value.Value) (*value.Value, error) {
		<-unblock
		return value.New(), nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := p.Call(context.Background(), protocol.Envelope{Operation: "slow"}, value.New())
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().BusyWorkers == 1 }, time.Second, 5*time.Millisecond)

	_, err := p.Call(context.Background(), protocol.Envelope{Operation: "other"}, value.New())
	assert.ErrorContains(t, err, "pool exhausted")

	once.Do(func() { close(unblock) })
	assert.NoError(t, <-done)
}

func TestCallContextCanceled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	unblock := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(unblock) }) })

	p := newTestPool(t, cfg, func(env *protocol.Envelope, v *value.Value) (*value.Value, error) {
		<-unblock
		return value.New(), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Call(ctx, protocol.Envelope{Operation: "slow"}, value.New())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReloadReplacesWorkers(t *testing.T) {
	p := newTestPool(t, testConfig(), echoHandler)
	before := p.Workers()
	require.Len(t, before, 1)

	require.NoError(t, p.Reload())

	_, err := p.Call(context.Background(), protocol.Envelope{Operation: "op"}, request("after"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ws := p.Workers()
		return len(ws) == 1 && ws[0].ID != before[0].ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallAfterStop(t *testing.T) {
	p := newTestPool(t, testConfig(), echoHandler)
	require.NoError(t, p.Stop())

	_, err := p.Call(context.Background(), protocol.Envelope{Operation: "op"}, value.New())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestWorkerPing(t *testing.T) {
	w, err := startFake(1, echoHandler)
	require.NoError(t, err)
	defer w.Stop(100 * time.Millisecond)

	assert.NoError(t, w.Ping(time.Second))
	assert.True(t, w.IsAlive())
	assert.Equal(t, StateIdle, w.State())
}

func TestWorkerStop(t *testing.T) {
	w, err := startFake(1, echoHandler)
	require.NoError(t, err)

	assert.NoError(t, w.Stop(time.Second))
	assert.False(t, w.IsAlive())
	assert.Equal(t, "stopped", w.State().String())
}

func TestNeedsRecycle(t *testing.T) {
	p, err := New(config.RuntimeConfig{MaxJobs: 100}, nil)
	require.NoError(t, err)

	w := &Worker{}
	w.jobs.Store(99)
	assert.False(t, p.needsRecycle(w), "99 jobs with max=100")
	w.jobs.Store(100)
	assert.True(t, p.needsRecycle(w), "100 jobs with max=100")
}

func TestBuildEnv(t *testing.T) {
	p, err := New(config.RuntimeConfig{
		Codec:   "cbor",
		MaxJobs: 5000,
		Env:     map[string]string{"B": "2", "A": "1"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"HTTPBRIDGE_CODEC=cbor",
		"HTTPBRIDGE_MAX_REQUESTS=5000",
		"A=1",
		"B=2",
	}, p.buildEnv())
}

func TestNewRejectsUnknownCodec(t *testing.T) {
	_, err := New(config.RuntimeConfig{Codec: "gob"}, nil)
	assert.Error(t, err)
}
