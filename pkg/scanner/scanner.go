// Package scanner runs bulk MOT status refresh jobs: it pages stale vehicles
// out of the store, looks each one up over a bounded worker pool and writes
// the classified result back.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/sw33tLie/motscan/pkg/dvsa"
	"github.com/sw33tLie/motscan/pkg/registration"
	"github.com/sw33tLie/motscan/pkg/storage"
)

var (
	// ErrBusy is returned by Start while a job is running or stopping.
	ErrBusy = errors.New("a scan job is already running")
	// ErrNotRunning is returned by Stop when there is no running job.
	ErrNotRunning = errors.New("no scan job is running")
)

// Store is the slice of the vehicle store a scan needs.
type Store interface {
	Updater
	CountCandidates(ctx context.Context, q storage.CandidateQuery) (int, error)
	ListCandidates(ctx context.Context, q storage.CandidateQuery) ([]storage.Vehicle, error)
	GetStatusCounts(ctx context.Context, today, dueSoonUntil time.Time) ([]storage.StatusCount, error)
	SaveRun(ctx context.Context, r storage.Run) error
	LatestRun(ctx context.Context) (storage.Run, error)
}

// Fetcher performs one remote lookup. *dvsa.Client implements it.
type Fetcher interface {
	FetchStatus(ctx context.Context, registration string) dvsa.Outcome
}

// TokenChecker is used to verify credentials before a job starts.
// *dvsa.TokenManager implements it.
type TokenChecker interface {
	Token(ctx context.Context) (dvsa.AuthToken, error)
}

// Recorder receives per-item metrics. *metrics.Collector implements it.
type Recorder interface {
	ItemProcessed(outcome string)
	InflightAdd(delta int)
}

// Config holds the collaborators of a Scanner.
type Config struct {
	Store     Store
	Fetcher   Fetcher
	Tokens    TokenChecker            // optional
	Validator *registration.Validator // nil = default UK patterns
	Notifier  Notifier                // optional
	Metrics   Recorder                // optional
	Log       Logger                  // optional; nil = no logging
	Now       func() time.Time

	DueSoonWindow time.Duration
	AdvisoryTypes []string
}

// Stats is the effective status breakdown of the whole store.
type Stats struct {
	Today        string                `json:"today"`
	DueSoonUntil string                `json:"due_soon_until"`
	Total        int                   `json:"total"`
	Counts       []storage.StatusCount `json:"counts"`
}

// Scanner runs at most one scan job at a time.
type Scanner struct {
	cfg     Config
	writer  *Writer
	tracker *Tracker

	mu      sync.Mutex
	machine *fsm.FSM
	stopCh  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

// job is the immutable plan of one run.
type job struct {
	id          string
	opts        Options
	staleBefore time.Time
	startCursor storage.Cursor
	stop        <-chan struct{}
}

// New builds a Scanner. Store and Fetcher are required.
func New(cfg Config) *Scanner {
	if cfg.Log == nil {
		cfg.Log = nopLogger{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Validator == nil {
		cfg.Validator = registration.Default()
	}

	s := &Scanner{
		cfg:     cfg,
		tracker: NewTracker(cfg.Now),
		writer: NewWriter(WriterConfig{
			Store:         cfg.Store,
			Notifier:      cfg.Notifier,
			Now:           cfg.Now,
			DueSoonWindow: cfg.DueSoonWindow,
			AdvisoryTypes: cfg.AdvisoryTypes,
		}),
	}
	s.machine = newJobFSM(s.tracker.setState)
	return s
}

// Start launches a job in the background and returns its first snapshot.
// It fails with ErrBusy while another job is active, and with an error
// wrapping dvsa.ErrAuth when credentials are rejected, in which case no job
// is started.
func (s *Scanner) Start(ctx context.Context, opts Options) (Snapshot, error) {
	if !s.canStart() {
		return s.tracker.Snapshot(), ErrBusy
	}
	if s.cfg.Tokens != nil {
		if _, err := s.cfg.Tokens.Token(ctx); err != nil {
			return s.tracker.Snapshot(), fmt.Errorf("checking credentials: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.machine.Can(eventStart) {
		return s.tracker.Snapshot(), ErrBusy
	}
	opts = opts.withDefaults()

	j := &job{
		id:          uuid.NewString(),
		opts:        opts,
		staleBefore: s.cfg.Now().UTC().Add(-opts.StalenessThreshold),
	}

	if opts.Resume {
		last, err := s.cfg.Store.LatestRun(ctx)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return s.tracker.Snapshot(), fmt.Errorf("loading last run: %w", err)
		case last.StopReason == StopReasonStopped:
			j.startCursor = last.Cursor
			s.cfg.Log.Infof("Resuming after run %s at vehicle id %d", last.ID, last.Cursor.ID)
		}
	}

	total, err := s.cfg.Store.CountCandidates(ctx, storage.CandidateQuery{StaleBefore: j.staleBefore, After: j.startCursor})
	if err != nil {
		return s.tracker.Snapshot(), fmt.Errorf("counting candidates: %w", err)
	}
	if opts.Limit > 0 && total > opts.Limit {
		total = opts.Limit
	}

	s.tracker.reset(j.id, total, opts.ErrorBufferSize, j.startCursor)
	if err := s.machine.Event(ctx, eventStart); err != nil {
		return s.tracker.Snapshot(), err
	}

	stopCh := make(chan struct{})
	j.stop = stopCh
	s.stopCh = stopCh
	s.done = make(chan struct{})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	snap := s.tracker.Snapshot()
	if err := s.cfg.Store.SaveRun(ctx, runRecord(snap)); err != nil {
		s.cfg.Log.Warnf("Could not record run %s: %v", j.id, err)
	}
	s.cfg.Log.Infof("Scan %s started: %d candidates, concurrency %d, batch size %d", j.id, total, opts.Concurrency, opts.BatchSize)

	go s.run(runCtx, cancel, j, s.done)
	return snap, nil
}

func (s *Scanner) canStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Can(eventStart)
}

// Stop asks the running job to finish after the page in flight.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.machine.Can(eventStop) {
		return ErrNotRunning
	}
	if err := s.machine.Event(context.Background(), eventStop); err != nil {
		return err
	}
	close(s.stopCh)
	return nil
}

// Status returns the current job snapshot without blocking on the job.
func (s *Scanner) Status() Snapshot {
	return s.tracker.Snapshot()
}

// Wait blocks until the current job, if any, has completed.
func (s *Scanner) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Shutdown stops the running job and waits for it. When ctx expires first
// the job context is cancelled, aborting in-flight lookups.
func (s *Scanner) Shutdown(ctx context.Context) error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	s.mu.Lock()
	done, cancel := s.done, s.cancel
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Stats reports effective status counts for the whole store.
func (s *Scanner) Stats(ctx context.Context) (Stats, error) {
	today, dueSoonUntil := s.writer.Window()
	counts, err := s.cfg.Store.GetStatusCounts(ctx, today, dueSoonUntil)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Today:        today.Format("2006-01-02"),
		DueSoonUntil: dueSoonUntil.Format("2006-01-02"),
		Counts:       counts,
	}
	for _, c := range counts {
		st.Total += c.Count
	}
	return st, nil
}

func (s *Scanner) run(ctx context.Context, cancel context.CancelFunc, j *job, done chan struct{}) {
	defer close(done)
	defer cancel()

	reason := s.loop(ctx, j)
	s.tracker.finish(reason)

	// ctx may already be cancelled by Shutdown; the final record and the
	// transition to completed must still happen.
	finishCtx := context.WithoutCancel(ctx)

	snap := s.tracker.Snapshot()
	rec := runRecord(snap)
	rec.State = StateCompleted
	if err := s.cfg.Store.SaveRun(finishCtx, rec); err != nil {
		s.cfg.Log.Errorf("Could not record run %s: %v", j.id, err)
	}

	s.mu.Lock()
	if err := s.machine.Event(finishCtx, eventFinish); err != nil {
		s.cfg.Log.Errorf("Could not complete run %s: %v", j.id, err)
	}
	s.mu.Unlock()

	s.cfg.Log.Infof("Scan %s %s: %d processed, %d succeeded, %d failed", j.id, reason, snap.Processed, snap.Succeeded, snap.Failed)
}

// loop drains candidate pages until the store runs dry, the job is
// stopped, or a fatal outcome is seen.
func (s *Scanner) loop(ctx context.Context, j *job) string {
	cursor := j.startCursor
	processed := 0

	for {
		select {
		case <-j.stop:
			return StopReasonStopped
		case <-ctx.Done():
			return StopReasonStopped
		default:
		}

		limit := j.opts.BatchSize
		if j.opts.Limit > 0 {
			left := j.opts.Limit - processed
			if left <= 0 {
				return StopReasonFinished
			}
			if left < limit {
				limit = left
			}
		}

		page, err := s.cfg.Store.ListCandidates(ctx, storage.CandidateQuery{
			StaleBefore: j.staleBefore,
			After:       cursor,
			Limit:       limit,
		})
		if err != nil {
			s.cfg.Log.Errorf("Could not load candidates: %v", err)
			return StopReasonStoreError
		}
		if len(page) == 0 {
			return StopReasonFinished
		}

		if err := s.processPage(ctx, j, page); err != nil {
			s.cfg.Log.Errorf("Stopping scan %s: %v", j.id, err)
			return StopReasonAuthError
		}
		processed += len(page)
		cursor = page[len(page)-1].Cursor()
		s.tracker.SetCursor(cursor)

		if len(page) < limit {
			return StopReasonFinished
		}
		if j.opts.Limit > 0 && processed >= j.opts.Limit {
			return StopReasonFinished
		}

		if j.opts.InterBatchDelay > 0 {
			t := time.NewTimer(j.opts.InterBatchDelay)
			select {
			case <-j.stop:
				t.Stop()
				return StopReasonStopped
			case <-ctx.Done():
				t.Stop()
				return StopReasonStopped
			case <-t.C:
			}
		}
	}
}

// processPage fans one page out over exactly Concurrency workers and waits
// for all of them. It returns the first fatal error; once one is seen the
// remaining items of the page are left untouched.
func (s *Scanner) processPage(ctx context.Context, j *job, page []storage.Vehicle) error {
	items := make(chan storage.Vehicle, len(page))

	var (
		halted atomic.Bool
		once   sync.Once
		fatal  error
	)

	var wg sync.WaitGroup
	for i := 0; i < j.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := range items {
				if halted.Load() {
					continue
				}
				if err := s.processOne(ctx, v); err != nil {
					halted.Store(true)
					once.Do(func() { fatal = err })
				}
			}
		}()
	}

	for _, v := range page {
		items <- v
	}
	close(items)
	wg.Wait()

	return fatal
}

// processOne validates, looks up and records one vehicle. Only a fatal
// outcome is returned as an error.
func (s *Scanner) processOne(ctx context.Context, v storage.Vehicle) error {
	log := s.cfg.Log
	s.tracker.SetCurrent(v.Registration)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.InflightAdd(1)
		defer s.cfg.Metrics.InflightAdd(-1)
	}

	var out dvsa.Outcome
	if res := s.cfg.Validator.Validate(v.Registration); !res.IsValid {
		out = dvsa.Outcome{Kind: dvsa.OutcomeInvalidFormat}
	} else {
		out = s.cfg.Fetcher.FetchStatus(ctx, res.Cleaned)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ItemProcessed(out.Kind.String())
	}

	if out.Kind == dvsa.OutcomeFatalError {
		log.Errorf("%s: %s", v.Registration, out.Detail())
		s.tracker.RecordError(v.Registration, out.Detail())
		s.tracker.OnProcessed(false)
		if out.Err != nil {
			return out.Err
		}
		return errors.New(out.Detail())
	}

	if !out.Terminal() {
		log.Warnf("%s: %s after %d attempt(s)", v.Registration, out.Detail(), out.Attempts)
		s.tracker.RecordError(v.Registration, out.Detail())
		s.tracker.OnProcessed(false)
		return nil
	}

	change, err := s.writer.Apply(ctx, v, out)
	if err != nil {
		log.Errorf("%s: %v", v.Registration, err)
		s.tracker.RecordError(v.Registration, err.Error())
		s.tracker.OnProcessed(false)
		return nil
	}

	log.Debugf("%s: %s -> %s", v.Registration, out.Kind, change.Current)
	s.tracker.OnProcessed(true)
	return nil
}

func runRecord(s Snapshot) storage.Run {
	r := storage.Run{
		ID:         s.ID,
		State:      s.State,
		StopReason: s.StopReason,
		FinishedAt: s.FinishedAt,
		Total:      s.Total,
		Processed:  s.Processed,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		Cursor:     s.Cursor,
	}
	if s.StartedAt != nil {
		r.StartedAt = *s.StartedAt
	}
	return r
}
