// Package pool runs the runtime worker processes that receive routed HTTP
// messages over the bridge protocol.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sadewadee/httpbridge/internal/config"
	"github.com/sadewadee/httpbridge/internal/protocol"
	"github.com/sadewadee/httpbridge/internal/value"
)

// ErrShuttingDown is returned by Call once Stop has been called.
var ErrShuttingDown = errors.New("pool shutting down")

// RuntimeError is an ERROR frame sent back by a worker for a request.
type RuntimeError struct {
	Operation string
	Message   string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime rejected %s: %s", e.Operation, e.Message)
}

// Pool manages a pool of runtime worker processes.
type Pool struct {
	cfg    config.RuntimeConfig
	codec  protocol.PayloadCodec
	logger *slog.Logger

	// spawn starts one worker; replaced in tests.
	spawn func(id int) (*Worker, error)

	workers   []*Worker
	mu        sync.RWMutex
	available chan *Worker
	nextID    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	totalRequests atomic.Int64
	failed        atomic.Int64
	activeWorkers atomic.Int32
	busyWorkers   atomic.Int32
}

// New creates a new worker pool with the given configuration.
func New(cfg config.RuntimeConfig, logger *slog.Logger) (*Pool, error) {
	pc, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = config.Duration(5 * time.Second)
	}
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:       cfg,
		codec:     pc,
		logger:    logger,
		available: make(chan *Worker, max(cfg.MaxWorkers, 1)),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.spawn = p.spawnProcess
	return p, nil
}

// Start initializes the pool by spawning the minimum number of workers.
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool",
		"binary", p.cfg.Binary,
		"codec", p.codec.Name(),
		"min_workers", p.cfg.MinWorkers,
		"max_workers", p.cfg.MaxWorkers,
		"max_jobs", p.cfg.MaxJobs,
	)

	for i := 0; i < p.cfg.MinWorkers; i++ {
		w, err := p.addWorker()
		if err != nil {
			return fmt.Errorf("spawning initial worker %d: %w", i, err)
		}
		p.available <- w
	}

	go p.watchdog()
	return nil
}

// Call forwards v under env to an available worker. For request-response
// envelopes it returns the worker's reply value; for one-way envelopes the
// reply is empty.
func (p *Pool) Call(ctx context.Context, env protocol.Envelope, v *value.Value) (*value.Value, error) {
	p.totalRequests.Add(1)

	w, err := p.acquire(ctx)
	if err != nil {
		p.failed.Add(1)
		return nil, err
	}

	p.busyWorkers.Add(1)
	defer p.busyWorkers.Add(-1)

	req, err := protocol.EncodeRequest(w.NextSeq(), env, v, p.codec)
	if err != nil {
		p.put(w)
		p.failed.Add(1)
		return nil, err
	}

	type execResult struct {
		frame *protocol.Frame
		err   error
	}
	done := make(chan execResult, 1)
	go func() {
		f, e := w.Exec(req)
		done <- execResult{f, e}
	}()

	var timeout <-chan time.Time
	if d := p.cfg.RequestTimeout.Duration(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	var resp *protocol.Frame
	select {
	case result := <-done:
		resp, err = result.frame, result.err
	case <-timeout:
		p.logger.Error("worker request timeout", "worker_id", w.ID(), "exchange", env.ExchangeID, "timeout", p.cfg.RequestTimeout.Duration())
		p.failed.Add(1)
		go p.replaceWorker(w)
		return nil, fmt.Errorf("request timeout after %s", p.cfg.RequestTimeout.Duration())
	case <-ctx.Done():
		p.failed.Add(1)
		go p.replaceWorker(w)
		return nil, ctx.Err()
	case <-p.ctx.Done():
		p.failed.Add(1)
		return nil, ErrShuttingDown
	}

	if err != nil {
		p.logger.Error("worker exec failed", "worker_id", w.ID(), "exchange", env.ExchangeID, "error", err)
		p.failed.Add(1)
		go p.replaceWorker(w)
		return nil, fmt.Errorf("worker %d exec failed: %w", w.ID(), err)
	}

	p.release(w)

	if resp.Type == protocol.TypeError {
		p.failed.Add(1)
		return nil, &RuntimeError{Operation: env.Operation, Message: string(resp.Payload)}
	}
	_, reply, err := protocol.DecodeResponse(resp)
	if err != nil {
		p.failed.Add(1)
		return nil, fmt.Errorf("worker %d: %w", w.ID(), err)
	}
	return reply, nil
}

func (p *Pool) acquire(ctx context.Context) (*Worker, error) {
	if p.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}

	var wait <-chan time.Time
	if d := p.cfg.AllocateTimeout.Duration(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		wait = t.C
	}

	select {
	case w, ok := <-p.available:
		if !ok {
			return nil, ErrShuttingDown
		}
		return w, nil
	case <-wait:
		return nil, fmt.Errorf("no available worker within %s (pool exhausted)", p.cfg.AllocateTimeout.Duration())
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrShuttingDown
	}
}

// release waits for w to announce readiness and returns it to the pool, or
// recycles it.
func (p *Pool) release(w *Worker) {
	ready, err := w.ReadFrame()
	if err != nil || ready.Type != protocol.TypeWorkerReady || p.needsRecycle(w) {
		go p.replaceWorker(w)
		return
	}
	p.put(w)
}

func (p *Pool) put(w *Worker) {
	if p.ctx.Err() != nil {
		return
	}
	if w.retiring.Load() {
		go p.retire(w)
		return
	}
	select {
	case p.available <- w:
	default:
		// more workers than slots after a reload; retire the extra one
		go p.retire(w)
	}
}

// Stop gracefully shuts down all workers in the pool.
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")
	p.cancel()

	p.mu.RLock()
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Stop(p.cfg.StopTimeout.Duration()); err != nil {
				p.logger.Warn("error stopping worker", "worker_id", w.ID(), "error", err)
			}
		}(w)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
	return nil
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	total := len(p.workers)
	p.mu.RUnlock()

	busy := int(p.busyWorkers.Load())
	return PoolStats{
		TotalWorkers:   total,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		BusyWorkers:    busy,
		IdleWorkers:    max(total-busy, 0),
		TotalRequests:  p.totalRequests.Load(),
		FailedRequests: p.failed.Load(),
		QueueDepth:     len(p.available),
	}
}

// PoolStats holds pool metrics.
type PoolStats struct {
	TotalWorkers   int   `json:"total_workers"`
	ActiveWorkers  int   `json:"active_workers"`
	BusyWorkers    int   `json:"busy_workers"`
	IdleWorkers    int   `json:"idle_workers"`
	TotalRequests  int64 `json:"total_requests"`
	FailedRequests int64 `json:"failed_requests"`
	QueueDepth     int   `json:"queue_depth"`
}

// Workers returns a snapshot of the worker ids and states, ordered by id.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, WorkerInfo{ID: w.ID(), State: w.State().String(), Jobs: w.Jobs()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WorkerInfo describes one worker in Workers.
type WorkerInfo struct {
	ID    int    `json:"id"`
	State string `json:"state"`
	Jobs  int64  `json:"jobs"`
}

func (p *Pool) spawnProcess(id int) (*Worker, error) {
	return NewWorker(id, p.cfg.Binary, p.cfg.Args, p.buildEnv(), uint32(max(p.cfg.MaxPayload, 0)), p.logger)
}

func (p *Pool) addWorker() (*Worker, error) {
	id := int(p.nextID.Add(1))

	w, err := p.spawn(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.activeWorkers.Add(1)
	p.mu.Unlock()

	p.logger.Debug("worker spawned", "worker_id", id)
	return w, nil
}

func (p *Pool) retire(w *Worker) {
	if err := w.Stop(p.cfg.StopTimeout.Duration()); err != nil {
		p.logger.Warn("error stopping worker", "worker_id", w.ID(), "error", err)
	}
	p.removeWorker(w)
}

func (p *Pool) replaceWorker(old *Worker) {
	p.logger.Debug("replacing worker", "worker_id", old.ID(), "jobs", old.Jobs())
	p.retire(old)

	if p.ctx.Err() != nil {
		return
	}

	w, err := p.addWorker()
	if err != nil {
		p.logger.Error("failed to spawn replacement worker", "error", err)
		return
	}
	p.put(w)
}

func (p *Pool) removeWorker(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, worker := range p.workers {
		if worker.ID() == w.ID() {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			p.activeWorkers.Add(-1)
			break
		}
	}
}

func (p *Pool) needsRecycle(w *Worker) bool {
	return p.cfg.MaxJobs > 0 && w.Jobs() >= int64(p.cfg.MaxJobs)
}

func (p *Pool) buildEnv() []string {
	env := []string{"HTTPBRIDGE_CODEC=" + p.codec.Name()}
	if p.cfg.MaxJobs > 0 {
		env = append(env, fmt.Sprintf("HTTPBRIDGE_MAX_REQUESTS=%d", p.cfg.MaxJobs))
	}

	keys := make([]string, 0, len(p.cfg.Env))
	for k := range p.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.cfg.Env[k])
	}
	return env
}

// watchdog monitors worker health and pool scaling.
func (p *Pool) watchdog() {
	interval := p.cfg.PingInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkHealth()
			p.autoScale()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.RLock()
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.RUnlock()

	for _, w := range workers {
		if w.State() == StateBusy {
			continue
		}
		if !w.IsAlive() {
			p.logger.Warn("dead worker detected", "worker_id", w.ID())
			go p.replaceWorker(w)
		}
	}
}

func (p *Pool) autoScale() {
	stats := p.Stats()
	if stats.TotalWorkers == 0 {
		return
	}

	busyPct := float64(stats.BusyWorkers) / float64(stats.TotalWorkers) * 100
	if busyPct >= 80 && stats.TotalWorkers < p.cfg.MaxWorkers {
		p.logger.Info("scaling up workers", "busy_pct", busyPct, "current", stats.TotalWorkers)
		w, err := p.addWorker()
		if err != nil {
			p.logger.Error("scale-up failed", "error", err)
			return
		}
		p.put(w)
		return
	}

	if busyPct <= 20 && stats.TotalWorkers > p.cfg.MinWorkers {
		select {
		case w := <-p.available:
			p.logger.Info("scaling down workers", "busy_pct", busyPct, "current", stats.TotalWorkers)
			go p.retire(w)
		default:
		}
	}
}

// Reload replaces all workers without dropping requests: new workers are
// spawned first, idle old ones are stopped at once and busy ones as soon as
// they finish their request.
func (p *Pool) Reload() error {
	p.logger.Info("graceful reload starting")

	p.mu.RLock()
	oldWorkers := make([]*Worker, len(p.workers))
	copy(oldWorkers, p.workers)
	p.mu.RUnlock()

	newWorkers := make([]*Worker, 0, p.cfg.MinWorkers)
	for i := 0; i < p.cfg.MinWorkers; i++ {
		w, err := p.addWorker()
		if err != nil {
			p.logger.Error("reload: failed to spawn new worker", "error", err)
			for _, nw := range newWorkers {
				p.retire(nw)
			}
			return fmt.Errorf("reload failed: %w", err)
		}
		newWorkers = append(newWorkers, w)
	}

	for _, w := range oldWorkers {
		w.retiring.Store(true)
	}

	var keep []*Worker
drain:
	for {
		select {
		case w := <-p.available:
			if w.retiring.Load() {
				go p.retire(w)
			} else {
				keep = append(keep, w)
			}
		default:
			break drain
		}
	}
	for _, w := range append(keep, newWorkers...) {
		p.put(w)
	}

	p.logger.Info("graceful reload complete", "retired", len(oldWorkers), "new_active", len(newWorkers))
	return nil
}
