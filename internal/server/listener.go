package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sadewadee/httpbridge/internal/adapter"
	"github.com/sadewadee/httpbridge/internal/pool"
	"github.com/sadewadee/httpbridge/internal/protocol"
	"github.com/sadewadee/httpbridge/internal/router"
)

// ErrListenerClosed is returned by Serve after Shutdown.
var ErrListenerClosed = errors.New("listener closed")

// ListenerConfig holds the connection limits of a Listener.
type ListenerConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxConnections int
}

// Listener accepts HTTP/1.x connections, runs one adapter exchange per
// message and forwards routed messages to the runtime.
type Listener struct {
	factory atomic.Pointer[adapter.Factory]
	runtime Runtime
	cfg     ListenerConfig
	logger  *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewListener creates a listener serving exchanges built by factory.
func NewListener(factory *adapter.Factory, rt Runtime, cfg ListenerConfig, metrics *Metrics, logger *slog.Logger) *Listener {
	if metrics == nil {
		metrics = NewMetrics(rt, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		runtime: rt,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
	l.factory.Store(factory)
	return l
}

// SetFactory swaps the factory used for new exchanges. Exchanges already
// in progress keep the factory they started with.
func (l *Listener) SetFactory(f *adapter.Factory) {
	l.factory.Store(f)
}

// Factory returns the factory used for new exchanges.
func (l *Listener) Factory() *adapter.Factory {
	return l.factory.Load()
}

// Serve accepts connections on ln until Shutdown is called.
func (l *Listener) Serve(ln net.Listener) error {
	l.mu.Lock()
	if l.closing.Load() {
		l.mu.Unlock()
		return ErrListenerClosed
	}
	l.ln = ln
	l.mu.Unlock()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.closing.Load() {
				return ErrListenerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				l.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		backoff = 0

		if !l.track(conn) {
			l.logger.Warn("connection limit reached, rejecting",
				"remote_addr", conn.RemoteAddr().String(),
				"max_connections", l.cfg.MaxConnections,
			)
			conn.Close()
			continue
		}
		go func() {
			defer l.untrack(conn)
			l.serveConn(l.ctx, conn)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing.Load() {
		return false
	}
	if l.cfg.MaxConnections > 0 && len(l.conns) >= l.cfg.MaxConnections {
		return false
	}
	l.conns[conn] = struct{}{}
	l.wg.Add(1)
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	l.wg.Done()
}

// ServeConn runs exchanges on conn until the channel is marked for closing,
// the peer goes away or ctx is canceled. The connection is closed on return.
func (l *Listener) ServeConn(ctx context.Context, conn net.Conn) {
	if !l.track(conn) {
		conn.Close()
		return
	}
	defer l.untrack(conn)
	l.serveConn(ctx, conn)
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := l.logger.With("remote_addr", remote)

	l.metrics.connOpened()
	defer l.metrics.connClosed()
	defer conn.Close()
	defer func() {
		if err := recover(); err != nil {
			logger.Error("panic recovered",
				"error", err,
				"stack", string(debug.Stack()),
			)
		}
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	ch := &adapter.Channel{}

	for {
		if ctx.Err() != nil || l.closing.Load() {
			return
		}

		// wait for the next message under the idle timeout
		if l.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.cfg.IdleTimeout))
		}
		// Shutdown may have reset the deadline before the line above
		if l.closing.Load() {
			return
		}
		if _, err := r.Peek(1); err != nil {
			if !errors.Is(err, io.EOF) && !isTimeout(err) && !l.closing.Load() {
				logger.Debug("connection read failed", "error", err)
			}
			return
		}
		if l.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		} else {
			conn.SetReadDeadline(time.Time{})
		}

		ex := l.factory.Load().NewExchange(ch)
		if !l.exchange(ctx, conn, r, w, ex, ch, logger) || ch.ToBeClosed() {
			return
		}
	}
}

// exchange reads one message from r and handles it. It returns false when
// the connection has to be dropped.
func (l *Listener) exchange(ctx context.Context, conn net.Conn, r *bufio.Reader, w *bufio.Writer, ex *adapter.HTTPProtocol, ch *adapter.Channel, logger *slog.Logger) bool {
	start := time.Now()
	logger = logger.With("exchange", ex.ID())

	msg, err := ex.Recv(r)
	if err != nil {
		l.recvFailed(err, logger)
		return false
	}

	outcome := l.dispatch(ctx, conn, w, ex, ch, msg, logger)
	l.metrics.ObserveExchange(msg.Operation, outcome, time.Since(start))
	return outcome == OutcomeOK || outcome == OutcomeFallback
}

func (l *Listener) dispatch(ctx context.Context, conn net.Conn, w *bufio.Writer, ex *adapter.HTTPProtocol, ch *adapter.Channel, msg adapter.Message, logger *slog.Logger) string {
	if msg.Response {
		logger.Warn("unexpected response on inbound connection")
		ch.SetToBeClosed(true)
		return OutcomeUnresolved
	}
	if msg.Unresolved {
		logger.Warn("no operation matches request", "operation", msg.Operation)
		ch.SetToBeClosed(true)
		return OutcomeUnresolved
	}

	outcome := OutcomeOK
	if msg.Fallback {
		outcome = OutcomeFallback
	}

	dir := l.factory.Load().Directory
	kind := protocol.KindOneWay
	if op, ok := dir.Operation(msg.Operation); ok && op.Kind == router.RequestResponse {
		kind = protocol.KindRequestResponse
	}

	env := protocol.Envelope{
		ExchangeID: ex.ID(),
		Operation:  msg.Operation,
		Kind:       kind,
		Fallback:   msg.Fallback,
	}
	reply, err := l.runtime.Call(ctx, env, msg.Value)
	if err != nil {
		var rerr *pool.RuntimeError
		if errors.As(err, &rerr) {
			logger.Warn("runtime rejected message", "operation", msg.Operation, "error", rerr.Message)
		} else {
			logger.Error("forwarding message to runtime", "operation", msg.Operation, "error", err)
		}
		ch.SetToBeClosed(true)
		return OutcomeRuntimeError
	}

	if kind == protocol.KindOneWay {
		// nothing is written back for one-way operations
		ch.SetToBeClosed(true)
		return outcome
	}

	if l.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	}
	if err := ex.Send(w, adapter.Message{Operation: msg.Operation, Value: reply}); err != nil {
		l.sendFailed(err, logger)
		ch.SetToBeClosed(true)
		return OutcomeSendError
	}
	return outcome
}

func (l *Listener) recvFailed(err error, logger *slog.Logger) {
	var ae *adapter.Error
	if !errors.As(err, &ae) {
		logger.Error("receiving message", "error", err)
		return
	}
	l.metrics.ObserveError(ae.Kind.String())
	switch {
	case ae.Kind == adapter.KindTransport && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isTimeout(err)):
		logger.Debug("connection closed mid-message", "error", err)
	case ae.Kind == adapter.KindTransport:
		logger.Warn("receiving message", "error", err)
	default:
		logger.Warn("rejecting message", "kind", ae.Kind.String(), "error", err)
	}
}

func (l *Listener) sendFailed(err error, logger *slog.Logger) {
	kind := "unknown"
	var ae *adapter.Error
	if errors.As(err, &ae) {
		kind = ae.Kind.String()
	}
	l.metrics.ObserveError(kind)
	logger.Error("sending reply", "kind", kind, "error", err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Shutdown stops accepting connections, interrupts idle ones and waits for
// in-flight exchanges to finish. When ctx expires first the remaining
// connections are closed and pending runtime calls canceled.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closing.Store(true)
	if l.ln != nil {
		l.ln.Close()
	}
	for conn := range l.conns {
		// unblocks connections waiting for their next message
		conn.SetReadDeadline(time.Now())
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		l.mu.Lock()
		for conn := range l.conns {
			conn.Close()
		}
		l.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Connections returns the number of open connections.
func (l *Listener) Connections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
