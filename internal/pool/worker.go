package pool

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sadewadee/httpbridge/internal/protocol"
)

// WorkerState represents the current state of a worker.
type WorkerState int

const (
	StateIdle    WorkerState = iota // Worker is ready for a request
	StateBusy                       // Worker is processing a request
	StateStopped                    // Worker has been stopped
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// process is the OS side of a worker.
type process interface {
	Wait() error
	Kill() error
	Alive() bool
}

type execProcess struct {
	cmd    *exec.Cmd
	exited atomic.Bool
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.exited.Store(true)
	return err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Alive() bool {
	return p.cmd.Process != nil && !p.exited.Load()
}

// Worker is a single runtime worker process speaking bridge frames over its
// stdin and stdout.
type Worker struct {
	id         int
	proc       process
	stdin      io.WriteCloser
	stdout     io.Reader
	maxPayload uint32
	state      atomic.Int32
	jobs       atomic.Int64
	lastUsed   atomic.Int64 // unix timestamp
	retiring   atomic.Bool
	seq        uint16
	mu         sync.Mutex
	waitOnce   sync.Once
	waitErr    error
	exited     chan struct{}
}

// NewWorker starts binary with args and waits for its WORKER_READY frame.
// Lines the worker writes to stderr are logged.
func NewWorker(id int, binary string, args, env []string, maxPayload uint32, logger *slog.Logger) (*Worker, error) {
	cmd := exec.Command(binary, args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting runtime worker: %w", err)
	}
	go logStderr(stderr, logger.With("worker_id", id))

	return newWorker(id, &execProcess{cmd: cmd}, stdin, stdout, maxPayload)
}

func newWorker(id int, proc process, stdin io.WriteCloser, stdout io.Reader, maxPayload uint32) (*Worker, error) {
	w := &Worker{
		id:         id,
		proc:       proc,
		stdin:      stdin,
		stdout:     stdout,
		maxPayload: maxPayload,
		exited:     make(chan struct{}),
	}
	w.state.Store(int32(StateIdle))
	w.lastUsed.Store(time.Now().Unix())

	frame, err := w.ReadFrame()
	if err != nil {
		proc.Kill()
		return nil, fmt.Errorf("waiting for worker ready: %w", err)
	}
	if frame.Type != protocol.TypeWorkerReady {
		proc.Kill()
		return nil, fmt.Errorf("expected WORKER_READY, got %s", protocol.TypeName(frame.Type))
	}

	return w, nil
}

func logStderr(r io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logger.Warn("worker stderr", "line", sc.Text())
	}
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() int {
	return w.id
}

// State returns the current worker state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Jobs returns the number of requests this worker has handled.
func (w *Worker) Jobs() int64 {
	return w.jobs.Load()
}

// LastUsed returns when the worker last finished a request.
func (w *Worker) LastUsed() time.Time {
	return time.Unix(w.lastUsed.Load(), 0)
}

// NextSeq returns the sequence number for the next request.
func (w *Worker) NextSeq() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	return w.seq
}

// Exec sends a request frame to the worker and reads frames until the
// RESPONSE or ERROR answering it arrives.
func (w *Worker) Exec(req *protocol.Frame) (*protocol.Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state.Store(int32(StateBusy))
	defer func() {
		w.state.Store(int32(StateIdle))
		w.lastUsed.Store(time.Now().Unix())
		w.jobs.Add(1)
	}()

	if err := protocol.WriteFrame(w.stdin, req); err != nil {
		return nil, fmt.Errorf("sending request to worker %d: %w", w.id, err)
	}

	for {
		resp, err := protocol.ReadFrame(w.stdout, w.maxPayload)
		if err != nil {
			return nil, fmt.Errorf("reading response from worker %d: %w", w.id, err)
		}
		switch resp.Type {
		case protocol.TypeResponse, protocol.TypeError:
			if resp.Seq != req.Seq {
				return nil, fmt.Errorf("worker %d answered seq %d, want %d", w.id, resp.Seq, req.Seq)
			}
			return resp, nil
		case protocol.TypePing:
			// stray pong from an abandoned health check
			continue
		default:
			return nil, fmt.Errorf("unexpected %s frame from worker %d", protocol.TypeName(resp.Type), w.id)
		}
	}
}

// ReadFrame reads a single frame from the worker's stdout.
func (w *Worker) ReadFrame() (*protocol.Frame, error) {
	return protocol.ReadFrame(w.stdout, w.maxPayload)
}

// Ping sends a health check to the worker and waits up to timeout for the pong.
func (w *Worker) Ping(timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := protocol.WriteFrame(w.stdin, protocol.NewPingFrame()); err != nil {
		return fmt.Errorf("sending ping to worker %d: %w", w.id, err)
	}

	type result struct {
		frame *protocol.Frame
		err   error
	}
	done := make(chan result, 1)
	go func() {
		f, err := w.ReadFrame()
		done <- result{f, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("reading pong from worker %d: %w", w.id, r.err)
		}
		if r.frame.Type != protocol.TypePing {
			return fmt.Errorf("expected PONG from worker %d, got %s", w.id, protocol.TypeName(r.frame.Type))
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker %d did not answer ping within %s", w.id, timeout)
	}
}

func (w *Worker) wait() <-chan struct{} {
	w.waitOnce.Do(func() {
		go func() {
			w.waitErr = w.proc.Wait()
			close(w.exited)
		}()
	})
	return w.exited
}

// Stop asks the worker to exit and kills it if it has not done so within
// timeout. The stop frame is written asynchronously so a worker that no
// longer reads its stdin cannot block the caller.
func (w *Worker) Stop(timeout time.Duration) error {
	w.state.Store(int32(StateStopped))

	go func() {
		_ = protocol.WriteFrame(w.stdin, protocol.NewWorkerStopFrame())
		w.stdin.Close()
	}()

	select {
	case <-w.wait():
		return w.waitErr
	case <-time.After(timeout):
		w.stdin.Close()
		return w.proc.Kill()
	}
}

// IsAlive checks if the worker process is still running.
func (w *Worker) IsAlive() bool {
	return w.State() != StateStopped && w.proc.Alive()
}
