package publish

import (
	"context"
	"sync"

	"github.com/cordum/ckptpub/core/infra/logging"
)

// DefaultQueueSize bounds the number of serialized checkpoints waiting for
// upload in an Async publisher.
const DefaultQueueSize = 4

// Async wraps a Pipeline so uploads do not stall the training loop.
//
// Trigger evaluation and serialization run on the caller's goroutine, so each
// checkpoint captures the model at the moment of the hook. Reading, committing
// and cleanup run on one background worker in submission order. When the
// queue is full the hook blocks until the worker catches up.
//
// The first failure is sticky: it is returned by every later hook and by
// Close. A serializer failure stops new submissions but checkpoints already
// queued are still committed. An upload failure leaves the checkpoints queued
// behind it on disk unpublished.
type Async struct {
	p      *Pipeline
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *staged
	done   chan struct{}

	submitMu sync.Mutex
	closed   bool

	mu        sync.Mutex
	err       error
	submitErr error
	receipts  []Receipt
}

// NewAsync starts the upload worker. ctx bounds every upload; cancelling it
// aborts in-flight commits.
func NewAsync(ctx context.Context, p *Pipeline, queueSize int) *Async {
	if ctx == nil {
		ctx = context.Background()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &Async{
		p:      p,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan *staged, queueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for s := range a.queue {
		if a.uploadErr() != nil {
			logging.Warn(component, "upload skipped after earlier failure", "event", s.event, "path", s.path)
			continue
		}
		receipt, err := a.p.upload(a.ctx, s)
		a.mu.Lock()
		if err != nil && a.err == nil {
			a.err = err
		}
		if receipt != nil {
			a.receipts = append(a.receipts, *receipt)
		}
		a.mu.Unlock()
	}
}

// Err returns the first fatal error, if any.
func (a *Async) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.firstErr()
}

// firstErr orders upload failures before a serializer failure: everything
// the worker uploads was submitted before the serializer failed.
func (a *Async) firstErr() error {
	if a.err != nil {
		return a.err
	}
	return a.submitErr
}

func (a *Async) uploadErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// OnEpochEnd serializes and enqueues the checkpoint for epoch index when the
// trigger accepts it.
func (a *Async) OnEpochEnd(ctx context.Context, index, total int, save Serializer) error {
	return a.handle(ctx, EpochEnd(index, total), save)
}

// OnTrainEnd serializes and enqueues the final checkpoint. Call Close to wait
// for it to be committed.
func (a *Async) OnTrainEnd(ctx context.Context, save Serializer) error {
	return a.handle(ctx, TrainEnd(), save)
}

func (a *Async) handle(ctx context.Context, ev Event, save Serializer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.Err(); err != nil {
		return err
	}
	if a.isClosed() {
		return ErrClosed
	}
	ok, err := a.p.trigger.ShouldPublish(ev)
	if err != nil {
		return &PublishError{Stage: StageTrigger, Event: ev, Err: err}
	}
	if !ok {
		a.p.metrics.IncTriggerSkipped(ev.Kind.String())
		return nil
	}

	a.p.mu.Lock()
	s, err := a.p.stage(ctx, ev, save)
	a.p.mu.Unlock()
	if err != nil {
		a.setSubmitErr(err)
		return err
	}

	a.submitMu.Lock()
	defer a.submitMu.Unlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- s:
		return nil
	case <-ctx.Done():
		return &PublishError{Stage: StageCommit, Event: ev, Err: ctx.Err()}
	case <-a.ctx.Done():
		return &PublishError{Stage: StageCommit, Event: ev, Err: a.ctx.Err()}
	}
}

// Close stops accepting checkpoints and waits for queued uploads. If ctx ends
// first, in-flight commits are cancelled and their local files kept. It
// returns the receipts of all committed checkpoints and the first error.
func (a *Async) Close(ctx context.Context) ([]Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	a.submitMu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.submitMu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		a.cancel()
		<-a.done
	}
	a.cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Receipt(nil), a.receipts...), a.firstErr()
}

func (a *Async) isClosed() bool {
	a.submitMu.Lock()
	defer a.submitMu.Unlock()
	return a.closed
}

func (a *Async) setSubmitErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submitErr == nil {
		a.submitErr = err
	}
}
