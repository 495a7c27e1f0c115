// Package telemetry takes committed machine-check reports off the
// handling path: it queues them for storage, notifies the management
// consumer and prints them when nobody else will.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bobuhiro11/mcheck/mca"
)

// DefaultDepth is the queue depth of a Forwarder.
const DefaultDepth = 64

// Committer stores a report.
type Committer interface {
	Commit(ctx context.Context, r *mca.Report) error
}

// Forwarder commits reports in the background and calls Notify after each
// one. It implements mca.Consumer.
type Forwarder struct {
	store  Committer
	notify func(*mca.Report)
	log    *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan *mca.Report
	done   chan struct{}
}

// NewForwarder starts a forwarder. notify may be nil.
func NewForwarder(store Committer, depth int, notify func(*mca.Report), log *slog.Logger) *Forwarder {
	if depth <= 0 {
		depth = DefaultDepth
	}

	if log == nil {
		log = slog.Default()
	}

	f := &Forwarder{
		store:  store,
		notify: notify,
		log:    log,
		ch:     make(chan *mca.Report, depth),
		done:   make(chan struct{}),
	}

	go f.run()

	return f
}

func (f *Forwarder) run() {
	defer close(f.done)

	for r := range f.ch {
		if err := f.store.Commit(context.Background(), r); err != nil {
			f.log.Error("cannot commit machine-check report", "id", r.ID, "err", err)

			continue
		}

		if f.notify != nil {
			f.notify(r)
		}
	}
}

// Deliver queues r. It never waits for room; false means r was dropped.
func (f *Forwarder) Deliver(r *mca.Report) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return false
	}

	select {
	case f.ch <- r:
		return true
	default:
		f.log.Warn("machine-check report queue full, report dropped", "id", r.ID)

		return false
	}
}

// Persist commits r synchronously.
func (f *Forwarder) Persist(r *mca.Report) error {
	return f.store.Commit(context.Background(), r)
}

// Close stops accepting reports and waits for the queued ones.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
	f.mu.Unlock()

	<-f.done
}
