package app

import (
	"sync"
	"time"

	"dropdrive/internal/logging"
	"dropdrive/internal/model"
	"dropdrive/internal/wipe"
)

const subscriberBuffer = 256

type subscriber struct {
	id     string
	ch     chan wipe.Event
	closed bool
	warned bool
}

// eventBus fans orchestrator events out to subscribers. publish never
// blocks the orchestrator: a full buffer drops its oldest event.
type eventBus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *logging.EnterpriseLogger
}

func newEventBus(logger *logging.EnterpriseLogger) *eventBus {
	return &eventBus{subs: make(map[*subscriber]struct{}), logger: logger.Named("events")}
}

func (b *eventBus) subscribe(id string) (<-chan wipe.Event, func()) {
	sub := &subscriber{id: id, ch: make(chan wipe.Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, sub)
			b.closeLocked(sub)
		})
	}
}

func (b *eventBus) publish(e wipe.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.closed || (sub.id != "" && sub.id != e.OperationID) {
			continue
		}
		b.deliverLocked(sub, e)
	}
}

// replayResult delivers the result of an operation that finished before the
// subscription was made.
func (b *eventBus) replayResult(ch <-chan wipe.Event, id string, res model.WipeResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.ch == ch && !sub.closed {
			b.deliverLocked(sub, wipe.Event{
				OperationID: id,
				Time:        res.CompletedAt,
				Type:        wipe.EventResult,
				Status:      res.Status,
				Result:      &res,
			})
		}
	}
}

func (b *eventBus) deliverLocked(sub *subscriber, e wipe.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case sub.ch <- e:
	default:
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- e
		if !sub.warned {
			sub.warned = true
			b.logger.Log("WARN", "slow event subscriber, dropping oldest events", "operation", e.OperationID)
		}
	}
	if sub.id != "" && e.Type == wipe.EventResult {
		b.closeLocked(sub)
	}
}

func (b *eventBus) closeLocked(sub *subscriber) {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		b.closeLocked(sub)
		delete(b.subs, sub)
	}
}
