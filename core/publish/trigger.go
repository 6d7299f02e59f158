package publish

import (
	"fmt"
	"sync"
)

// TriggerState is the run state tracked by a Trigger.
type TriggerState int

const (
	StateRunning TriggerState = iota
	StateFinished
)

func (s TriggerState) String() string {
	if s == StateFinished {
		return "finished"
	}
	return "running"
}

// Trigger decides which lifecycle events publish a checkpoint.
//
// With onlyAtEnd set, only TrainEnd publishes. Otherwise every EpochEnd
// publishes and TrainEnd publishes again, so the last epoch is committed
// twice. dedupeFinalEpoch suppresses that second commit when the final epoch
// was already published.
type Trigger struct {
	mu               sync.Mutex
	onlyAtEnd        bool
	dedupeFinalEpoch bool
	state            TriggerState
	finalPublished   bool
}

// NewTrigger returns a Trigger in the Running state.
func NewTrigger(onlyAtEnd, dedupeFinalEpoch bool) *Trigger {
	return &Trigger{onlyAtEnd: onlyAtEnd, dedupeFinalEpoch: dedupeFinalEpoch}
}

// ShouldPublish consumes ev and reports whether it must be published.
// TrainEnd moves the trigger to Finished; later events fail with
// ErrRunFinished.
func (t *Trigger) ShouldPublish(ev Event) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFinished {
		return false, fmt.Errorf("%w: got %s", ErrRunFinished, ev)
	}
	switch ev.Kind {
	case KindTrainEnd:
		t.state = StateFinished
		if !t.onlyAtEnd && t.dedupeFinalEpoch && t.finalPublished {
			return false, nil
		}
		return true, nil
	default:
		if t.onlyAtEnd {
			return false, nil
		}
		if ev.IsFinalEpoch() {
			t.finalPublished = true
		}
		return true, nil
	}
}

// State returns the current run state.
func (t *Trigger) State() TriggerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
