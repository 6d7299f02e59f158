package publish

import (
	"fmt"
)

// EventKind is the lifecycle point a driver reports.
type EventKind int

const (
	KindEpochEnd EventKind = iota + 1
	KindTrainEnd
)

func (k EventKind) String() string {
	switch k {
	case KindEpochEnd:
		return "epoch_end"
	case KindTrainEnd:
		return "train_end"
	default:
		return "unknown"
	}
}

// Event is a lifecycle signal from the training driver. EpochIndex and
// TotalEpochs are only meaningful for KindEpochEnd.
type Event struct {
	Kind        EventKind
	EpochIndex  int
	TotalEpochs int
}

// EpochEnd reports the end of the zero-based epoch index out of total.
func EpochEnd(index, total int) Event {
	return Event{Kind: KindEpochEnd, EpochIndex: index, TotalEpochs: total}
}

// TrainEnd reports the end of training.
func TrainEnd() Event {
	return Event{Kind: KindTrainEnd}
}

// Validate rejects events a driver should never produce.
func (e Event) Validate() error {
	switch e.Kind {
	case KindEpochEnd:
		if e.EpochIndex < 0 {
			return fmt.Errorf("%w: epoch index %d is negative", ErrInvalidEvent, e.EpochIndex)
		}
		if e.TotalEpochs <= 0 {
			return fmt.Errorf("%w: total epochs %d is not positive", ErrInvalidEvent, e.TotalEpochs)
		}
		if e.EpochIndex >= e.TotalEpochs {
			return fmt.Errorf("%w: epoch index %d out of range for %d epochs", ErrInvalidEvent, e.EpochIndex, e.TotalEpochs)
		}
		return nil
	case KindTrainEnd:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidEvent, int(e.Kind))
	}
}

// IsFinalEpoch reports whether e ends the last configured epoch.
func (e Event) IsFinalEpoch() bool {
	return e.Kind == KindEpochEnd && e.EpochIndex == e.TotalEpochs-1
}

func (e Event) String() string {
	if e.Kind == KindEpochEnd {
		return fmt.Sprintf("epoch_end(%d/%d)", e.EpochIndex+1, e.TotalEpochs)
	}
	return e.Kind.String()
}
