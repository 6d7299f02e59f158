package publish

import (
	"errors"
	"testing"
)

func drive(t *testing.T, trig *Trigger, total int) []bool {
	t.Helper()
	var out []bool
	for i := 0; i < total; i++ {
		ok, err := trig.ShouldPublish(EpochEnd(i, total))
		if err != nil {
			t.Fatalf("epoch %d: %v", i, err)
		}
		out = append(out, ok)
	}
	ok, err := trig.ShouldPublish(TrainEnd())
	if err != nil {
		t.Fatalf("train end: %v", err)
	}
	return append(out, ok)
}

func TestTriggerOnlyAtEnd(t *testing.T) {
	got := drive(t, NewTrigger(true, false), 3)
	want := []bool{false, false, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decision %d: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestTriggerEveryEpochPublishesFinalTwice(t *testing.T) {
	got := drive(t, NewTrigger(false, false), 3)
	for i, ok := range got {
		if !ok {
			t.Fatalf("decision %d: expected publish", i)
		}
	}
}

func TestTriggerDedupeFinalEpoch(t *testing.T) {
	got := drive(t, NewTrigger(false, true), 3)
	want := []bool{true, true, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decision %d: want %v got %v", i, want[i], got[i])
		}
	}

	// Training stopped early: the final epoch never ran, so TrainEnd publishes.
	trig := NewTrigger(false, true)
	if ok, _ := trig.ShouldPublish(EpochEnd(0, 5)); !ok {
		t.Fatalf("expected epoch publish")
	}
	if ok, _ := trig.ShouldPublish(TrainEnd()); !ok {
		t.Fatalf("expected train end publish after early stop")
	}
}

func TestTriggerRejectsEventsAfterFinish(t *testing.T) {
	trig := NewTrigger(false, false)
	if _, err := trig.ShouldPublish(TrainEnd()); err != nil {
		t.Fatalf("train end: %v", err)
	}
	if trig.State() != StateFinished {
		t.Fatalf("expected finished state, got %s", trig.State())
	}
	if _, err := trig.ShouldPublish(EpochEnd(0, 1)); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("expected run finished, got %v", err)
	}
	if _, err := trig.ShouldPublish(TrainEnd()); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("expected run finished for second train end, got %v", err)
	}
}

func TestTriggerRejectsInvalidEvents(t *testing.T) {
	trig := NewTrigger(false, false)
	for _, ev := range []Event{EpochEnd(-1, 3), EpochEnd(0, 0), EpochEnd(3, 3), EpochEnd(7, 3), {Kind: EventKind(9)}} {
		if _, err := trig.ShouldPublish(ev); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("event %+v: expected invalid event, got %v", ev, err)
		}
	}
	if trig.State() != StateRunning {
		t.Fatalf("invalid events must not change state")
	}
}
