package scanner

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sw33tLie/motscan/pkg/storage"
)

// etaWindow is the number of recent completions the ETA rate is averaged over.
const etaWindow = 50

// ItemError is one entry of the recent errors buffer.
type ItemError struct {
	Registration string    `json:"registration"`
	Message      string    `json:"message"`
	At           time.Time `json:"at"`
}

// Snapshot is an immutable view of a scan job.
type Snapshot struct {
	ID         string         `json:"id,omitempty"`
	State      string         `json:"state"`
	Total      int            `json:"total_candidates"`
	Processed  int            `json:"processed"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Current    string         `json:"current_identifier,omitempty"`
	Cursor     storage.Cursor `json:"cursor"`
	Errors     []ItemError    `json:"errors"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	ETA        time.Duration  `json:"-"`
	ETASeconds float64        `json:"eta_seconds"`
	ETAKnown   bool           `json:"eta_known"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// Remaining is the number of candidates not processed yet.
func (s Snapshot) Remaining() int {
	if r := s.Total - s.Processed; r > 0 {
		return r
	}
	return 0
}

// Tracker holds the counters of the current job. Writers serialize on a
// mutex; readers load the last published Snapshot without locking.
type Tracker struct {
	mu  sync.Mutex
	cur Snapshot
	now func() time.Time

	errs    []ItemError // ring buffer
	errNext int
	errFull bool

	samples []time.Time // completion times, oldest first

	published atomic.Pointer[Snapshot]
}

// NewTracker returns an idle tracker. now defaults to time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{now: now, cur: Snapshot{State: StateIdle}}
	t.publishLocked()
	return t
}

// Snapshot returns the last published state.
func (t *Tracker) Snapshot() Snapshot {
	return *t.published.Load()
}

func (t *Tracker) reset(id string, total, errorBufferSize int, cursor storage.Cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	started := t.now().UTC()
	t.cur = Snapshot{
		ID:        id,
		State:     t.cur.State,
		Total:     total,
		Cursor:    cursor,
		StartedAt: &started,
	}
	t.errs = make([]ItemError, errorBufferSize)
	t.errNext, t.errFull = 0, false
	t.samples = t.samples[:0]
	t.publishLocked()
}

func (t *Tracker) setState(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur.State = state
	t.publishLocked()
}

// SetCurrent records the registration a worker just picked up.
func (t *Tracker) SetCurrent(registration string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur.Current = registration
	t.publishLocked()
}

// SetCursor records the resume position after a drained page.
func (t *Tracker) SetCursor(c storage.Cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur.Cursor = c
	t.publishLocked()
}

// RecordError appends to the bounded error buffer, evicting the oldest entry.
func (t *Tracker) RecordError(registration, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errs) == 0 {
		return
	}
	t.errs[t.errNext] = ItemError{Registration: registration, Message: message, At: t.now().UTC()}
	t.errNext = (t.errNext + 1) % len(t.errs)
	if t.errNext == 0 {
		t.errFull = true
	}
	t.publishLocked()
}

// OnProcessed counts one finished item.
func (t *Tracker) OnProcessed(succeeded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cur.Processed++
	if succeeded {
		t.cur.Succeeded++
	} else {
		t.cur.Failed++
	}

	t.samples = append(t.samples, t.now())
	if len(t.samples) > etaWindow {
		t.samples = append(t.samples[:0], t.samples[len(t.samples)-etaWindow:]...)
	}
	t.publishLocked()
}

func (t *Tracker) finish(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	finished := t.now().UTC()
	t.cur.FinishedAt = &finished
	t.cur.StopReason = reason
	t.cur.Current = ""
	t.publishLocked()
}

func (t *Tracker) publishLocked() {
	s := t.cur
	s.Errors = t.errorsLocked()
	s.ETA, s.ETAKnown = t.etaLocked()
	s.ETASeconds = s.ETA.Seconds()
	t.published.Store(&s)
}

func (t *Tracker) errorsLocked() []ItemError {
	if !t.errFull {
		return append([]ItemError{}, t.errs[:t.errNext]...)
	}
	out := make([]ItemError, 0, len(t.errs))
	out = append(out, t.errs[t.errNext:]...)
	return append(out, t.errs[:t.errNext]...)
}

// etaLocked divides the remaining work by the completion rate over the
// sample window.
func (t *Tracker) etaLocked() (time.Duration, bool) {
	remaining := t.cur.Remaining()
	if t.cur.State != StateRunning && t.cur.State != StateStopping {
		return 0, false
	}
	if remaining == 0 && t.cur.Total > 0 {
		return 0, true
	}
	if len(t.samples) < 2 {
		return 0, false
	}
	span := t.samples[len(t.samples)-1].Sub(t.samples[0])
	if span <= 0 {
		return 0, false
	}
	perItem := span / time.Duration(len(t.samples)-1)
	return perItem * time.Duration(remaining), true
}
