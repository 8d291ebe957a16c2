package wipe

import (
	"fmt"
	"sync"
	"time"

	"dropdrive/internal/model"
	"dropdrive/internal/worker"
)

// Допустимые переходы состояний операции
var transitions = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusUnmounting, model.StatusErasing, model.StatusFailed},
	model.StatusUnmounting: {model.StatusErasing, model.StatusFailed},
	model.StatusErasing: {
		model.StatusRemounting, model.StatusSuccess, model.StatusSimulated,
		model.StatusUnsupported, model.StatusFailed, model.StatusCancelled,
	},
	model.StatusRemounting: {
		model.StatusSuccess, model.StatusUnsupported, model.StatusFailed, model.StatusCancelled,
	},
}

// Operation is one sanitization run. Only the orchestrator mutates it.
type Operation struct {
	ID      string
	Request model.WipeRequest

	mu         sync.Mutex
	status     model.Status
	logs       []string
	createdAt  time.Time
	finishedAt time.Time
	result     *model.WipeResult

	token *worker.CancelToken
	wc    *worker.Context
	done  chan struct{}
}

func newOperation(id string, req model.WipeRequest, heartbeat time.Duration, now time.Time) *Operation {
	token := worker.NewCancelToken()
	return &Operation{
		ID:        id,
		Request:   req,
		status:    model.StatusPending,
		createdAt: now,
		token:     token,
		wc:        worker.New(token, heartbeat),
		done:      make(chan struct{}),
	}
}

// Status returns the current state.
func (op *Operation) Status() model.Status {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.status
}

// Done is closed once the operation reaches a terminal state.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

func (op *Operation) transition(to model.Status) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, allowed := range transitions[op.status] {
		if allowed == to {
			op.status = to
			return nil
		}
	}
	return fmt.Errorf("operation %s: illegal transition %s -> %s", op.ID, op.status, to)
}

// appendLog adds a UTC-timestamped line and returns it.
func (op *Operation) appendLog(now time.Time, msg string) string {
	line := fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), msg)
	op.mu.Lock()
	op.logs = append(op.logs, line)
	op.mu.Unlock()
	return line
}

func (op *Operation) logsCopy() []string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]string(nil), op.logs...)
}

func (op *Operation) finish(res model.WipeResult, now time.Time) {
	op.mu.Lock()
	op.result = &res
	op.finishedAt = now
	op.mu.Unlock()
	close(op.done)
}

// Snapshot is a read-only copy of an operation.
type Snapshot struct {
	ID         string            `json:"id"`
	Request    model.WipeRequest `json:"request"`
	Status     model.Status      `json:"status"`
	Logs       []string          `json:"logs"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Result     *model.WipeResult `json:"result,omitempty"`
}

func (op *Operation) Snapshot() Snapshot {
	op.mu.Lock()
	defer op.mu.Unlock()
	s := Snapshot{
		ID:         op.ID,
		Request:    op.Request,
		Status:     op.status,
		Logs:       append([]string(nil), op.logs...),
		CreatedAt:  op.createdAt,
		FinishedAt: op.finishedAt,
	}
	if op.result != nil {
		r := *op.result
		s.Result = &r
	}
	return s
}
