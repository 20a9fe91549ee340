package scanner

import (
	"fmt"
	"testing"
	"time"

	"github.com/sw33tLie/motscan/pkg/storage"
)

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func TestTrackerETAUnknownWithoutSamples(t *testing.T) {
	tr := NewTracker(nil)
	if snap := tr.Snapshot(); snap.State != StateIdle || snap.ETAKnown {
		t.Fatalf("unexpected idle snapshot: %+v", snap)
	}

	tr.reset("job", 10, 5, testCursor)
	tr.setState(StateRunning)
	if snap := tr.Snapshot(); snap.ETAKnown || snap.Processed != 0 {
		t.Fatalf("ETA must be unknown before any completion: %+v", snap)
	}

	tr.OnProcessed(true)
	if snap := tr.Snapshot(); snap.ETAKnown {
		t.Fatalf("ETA must be unknown with a single sample: %+v", snap)
	}
}

func TestTrackerETAFromMovingAverage(t *testing.T) {
	clock := &stepClock{t: testNow, step: time.Second}
	tr := NewTracker(clock.now)
	tr.reset("job", 10, 5, testCursor)
	tr.setState(StateRunning)

	for i := 0; i < 3; i++ {
		tr.OnProcessed(i != 1)
	}
	snap := tr.Snapshot()
	if snap.Processed != 3 || snap.Succeeded != 2 || snap.Failed != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if !snap.ETAKnown || snap.ETA != 7*time.Second {
		t.Fatalf("expected ETA 7s, got %s (known=%v)", snap.ETA, snap.ETAKnown)
	}
	if snap.Remaining() != 7 {
		t.Fatalf("expected 7 remaining, got %d", snap.Remaining())
	}
}

func TestTrackerErrorRingKeepsNewest(t *testing.T) {
	tr := NewTracker(nil)
	tr.reset("job", 10, 3, testCursor)

	first := tr.Snapshot()
	for i := 1; i <= 5; i++ {
		tr.RecordError(fmt.Sprintf("REG%d", i), "boom")
	}
	snap := tr.Snapshot()
	if len(snap.Errors) != 3 {
		t.Fatalf("expected 3 errors, got %d", len(snap.Errors))
	}
	for i, want := range []string{"REG3", "REG4", "REG5"} {
		if snap.Errors[i].Registration != want {
			t.Fatalf("errors out of order: %+v", snap.Errors)
		}
	}
	if len(first.Errors) != 0 {
		t.Fatalf("published snapshots must not change, got %+v", first.Errors)
	}
}

var testCursor = storage.Cursor{}
