// Package worker runs a blocking device call on its own goroutine while the
// controlling goroutine keeps serving heartbeats and cancellation.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

var (
	// ErrCancelled is returned by Commit when cancellation won the race.
	ErrCancelled = errors.New("operation cancelled before the device command started")
	// ErrCommitted is returned by Cancel once an irreversible command is running.
	ErrCommitted = errors.New("irreversible device command already committed")
)

// CancelToken is a one-shot cancellation signal shared by an operation and
// its worker.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

func (t *CancelToken) Done() <-chan struct{} {
	return t.ch
}

func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// ProgressEstimate is a synthetic progress indicator. Providers report no
// real progress, so Estimated is always true.
type ProgressEstimate struct {
	Percent   int    `json:"percent"`
	Stage     string `json:"stage"`
	Estimated bool   `json:"estimated"`
}

// Heartbeat is emitted periodically while a job runs.
type Heartbeat struct {
	Seq      int              `json:"seq"`
	Elapsed  time.Duration    `json:"elapsed"`
	Progress ProgressEstimate `json:"progress"`
}

const (
	progressStart = 30
	progressCap   = 95
)

// Commit marks the point after which the device has been touched. A job
// must call it immediately before its first destructive call.
type Commit func() error

// Job describes the blocking work.
type Job[T any] struct {
	Name string
	// Irreversible jobs (hardware purge) refuse cancellation once committed.
	Irreversible bool
	Fn           func(ctx context.Context, commit Commit) (T, error)
}

// Result of a job run.
type Result[T any] struct {
	Value     T
	Err       error
	Cancelled bool
	Committed bool
	// Indeterminate is set when a committed job was interrupted: the device
	// may be partially erased.
	Indeterminate bool
}

// Context isolates one job. It is not reusable.
type Context struct {
	token    *CancelToken
	interval time.Duration

	mu           sync.Mutex
	committed    bool
	irreversible bool
}

func New(token *CancelToken, interval time.Duration) *Context {
	if token == nil {
		token = NewCancelToken()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Context{token: token, interval: interval}
}

// Cancel requests cancellation. It is refused with ErrCommitted when an
// irreversible job has already committed.
func (c *Context) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.irreversible && c.committed {
		return ErrCommitted
	}
	c.token.Cancel()
	return nil
}

func (c *Context) Committed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

func (c *Context) commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Cancelled() {
		return ErrCancelled
	}
	c.committed = true
	return nil
}

type jobOutcome[T any] struct {
	value T
	err   error
}

// Run executes job and blocks until it returns. onHeartbeat may be nil.
func Run[T any](ctx context.Context, wc *Context, job Job[T], onHeartbeat func(Heartbeat)) Result[T] {
	wc.mu.Lock()
	wc.irreversible = job.Irreversible
	wc.mu.Unlock()

	parent := ctx
	if job.Irreversible {
		// Прерывать аппаратную команду можно только до commit
		parent = context.WithoutCancel(ctx)
	}
	jobCtx, cancelJob := context.WithCancel(parent)
	defer cancelJob()

	done := make(chan jobOutcome[T], 1)
	go func() {
		v, err := job.Fn(jobCtx, wc.commit)
		done <- jobOutcome[T]{value: v, err: err}
	}()

	ticker := time.NewTicker(wc.interval)
	defer ticker.Stop()

	started := time.Now()
	progress := progressStart
	seq := 0
	tokenCh := wc.token.Done()
	ctxCh := ctx.Done()

	for {
		select {
		case out := <-done:
			return assemble(wc, job, out)

		case <-ticker.C:
			seq++
			if progress < progressCap && rand.Float64() < 0.3 {
				progress++
			}
			if onHeartbeat != nil {
				onHeartbeat(Heartbeat{
					Seq:      seq,
					Elapsed:  time.Since(started),
					Progress: ProgressEstimate{Percent: progress, Stage: job.Name, Estimated: true},
				})
			}

		case <-tokenCh:
			tokenCh = nil
			if !(job.Irreversible && wc.Committed()) {
				cancelJob()
			}

		case <-ctxCh:
			// Caller context ended; treat like an explicit cancel request.
			ctxCh = nil
			_ = wc.Cancel()
		}
	}
}

func assemble[T any](wc *Context, job Job[T], out jobOutcome[T]) Result[T] {
	res := Result[T]{Value: out.value, Err: out.err, Committed: wc.Committed()}
	switch {
	case errors.Is(out.err, ErrCancelled):
		res.Cancelled = true
	case out.err != nil && wc.token.Cancelled() && !(job.Irreversible && res.Committed):
		res.Cancelled = true
		res.Indeterminate = res.Committed
	}
	return res
}
