package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sw33tLie/motscan/pkg/dvsa"
	"github.com/sw33tLie/motscan/pkg/storage"
)

var testNow = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

type fetcherFunc func(ctx context.Context, registration string) dvsa.Outcome

func (f fetcherFunc) FetchStatus(ctx context.Context, registration string) dvsa.Outcome {
	return f(ctx, registration)
}

type fakeTokens struct{ err error }

func (f fakeTokens) Token(ctx context.Context) (dvsa.AuthToken, error) {
	if f.err != nil {
		return dvsa.AuthToken{}, f.err
	}
	return dvsa.AuthToken{Value: "tok"}, nil
}

func (fakeTokens) Invalidate() {}

func motPayload(registration, result, expiry string) string {
	return fmt.Sprintf(`[{
  "registration": %q,
  "make": "FORD",
  "model": "FOCUS",
  "motTests": [{
    "completedDate": "2024-05-18T10:12:00.000Z",
    "testResult": %q,
    "expiryDate": %q,
    "odometerValue": "61200",
    "odometerUnit": "MI",
    "motTestNumber": "123456789012",
    "defects": [
      {"type": "ADVISORY", "text": "Nearside front tyre worn close to legal limit", "dangerous": false},
      {"type": "MINOR", "text": "Windscreen chipped", "dangerous": false}
    ]
  }]
}]`, registration, result, expiry)
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "motscan.sqlite"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addVehicles(t *testing.T, db *storage.DB, regs ...string) {
	t.Helper()
	for _, r := range regs {
		if _, err := db.UpsertVehicle(context.Background(), r, "", ""); err != nil {
			t.Fatalf("UpsertVehicle(%s): %v", r, err)
		}
	}
}

func getVehicle(t *testing.T, db *storage.DB, reg string) storage.Vehicle {
	t.Helper()
	v, err := db.GetVehicle(context.Background(), reg)
	if err != nil {
		t.Fatalf("GetVehicle(%s): %v", reg, err)
	}
	return v
}

func newTestScanner(db *storage.DB, f Fetcher, mutate func(*Config)) *Scanner {
	cfg := Config{
		Store:   db,
		Fetcher: f,
		Tokens:  fakeTokens{},
		Now:     func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

// dvsaFetcher returns a real client pointed at handler.
func dvsaFetcher(t *testing.T, handler http.HandlerFunc) *dvsa.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return dvsa.NewClient(dvsa.Config{
		BaseURL:     srv.URL,
		APIKey:      "key",
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, fakeTokens{})
}

func runToCompletion(t *testing.T, s *Scanner, opts Options) Snapshot {
	t.Helper()
	if _, err := s.Start(context.Background(), opts); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Wait()
	snap := s.Status()
	if snap.State != StateCompleted {
		t.Fatalf("expected completed, got %s", snap.State)
	}
	return snap
}

func TestScanStoresValidPass(t *testing.T) {
	db := openDB(t)
	addVehicles(t, db, "AB12CDE")

	f := dvsaFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, motPayload("AB12CDE", "PASSED", "2025-06-01"))
	})
	snap := runToCompletion(t, newTestScanner(db, f, nil), Options{})

	if snap.Processed != 1 || snap.Succeeded != 1 || snap.StopReason != StopReasonFinished {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	v := getVehicle(t, db, "AB12CDE")
	if v.Status != storage.StatusValid {
		t.Fatalf("expected VALID, got %s", v.Status)
	}
	if v.ExpiryDate == nil || v.ExpiryDate.Format("2006-01-02") != "2025-06-01" {
		t.Fatalf("expected expiry 2025-06-01, got %v", v.ExpiryDate)
	}
	if len(v.Advisories) != 1 || len(v.Defects) != 1 || v.Defects[0].Type != "MINOR" {
		t.Fatalf("defects not split: %+v / %+v", v.Defects, v.Advisories)
	}
	if v.Make != "FORD" || v.TestNumber != "123456789012" || v.OdometerValue == nil || *v.OdometerValue != 61200 {
		t.Fatalf("details not stored: %+v", v)
	}
	if v.LastCheckedAt == nil || !v.LastCheckedAt.Equal(testNow) {
		t.Fatalf("expected last check %s, got %v", testNow, v.LastCheckedAt)
	}
}

func TestScanNotFoundKeepsExpiry(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	addVehicles(t, db, "ZZ99ZZZ")

	prior := time.Date(2024, 11, 30, 0, 0, 0, 0, time.UTC)
	v := getVehicle(t, db, "ZZ99ZZZ")
	if err := db.UpdateInspection(ctx, storage.InspectionUpdate{
		VehicleID:  v.ID,
		Status:     storage.StatusValid,
		ExpiryDate: &prior,
		CheckedAt:  testNow.AddDate(0, -2, 0),
	}); err != nil {
		t.Fatalf("UpdateInspection: %v", err)
	}

	f := dvsaFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	runToCompletion(t, newTestScanner(db, f, nil), Options{})

	v = getVehicle(t, db, "ZZ99ZZZ")
	if v.Status != storage.StatusNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", v.Status)
	}
	if v.ExpiryDate == nil || !v.ExpiryDate.Equal(prior) {
		t.Fatalf("expiry must be unchanged, got %v", v.ExpiryDate)
	}
	if !v.LastCheckedAt.Equal(testNow) {
		t.Fatalf("last check not stamped: %v", v.LastCheckedAt)
	}
}

func TestScanRateLimitedIsNotStamped(t *testing.T) {
	db := openDB(t)
	addVehicles(t, db, "AB12CDE")

	var calls atomic.Int32
	f := dvsaFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	snap := runToCompletion(t, newTestScanner(db, f, nil), Options{})

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if snap.Failed != 1 || snap.Succeeded != 0 || snap.Processed != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Registration != "AB12CDE" {
		t.Fatalf("expected one recorded error, got %+v", snap.Errors)
	}
	v := getVehicle(t, db, "AB12CDE")
	if v.LastCheckedAt != nil || v.Status != "" {
		t.Fatalf("rate limited vehicle must not be written: %+v", v)
	}
}

func TestScanInvalidRegistrationSkipsRemote(t *testing.T) {
	db := openDB(t)
	addVehicles(t, db, "ABCDEFGHIJK")

	var calls atomic.Int32
	f := fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		calls.Add(1)
		return dvsa.Outcome{Kind: dvsa.OutcomeSuccess}
	})
	snap := runToCompletion(t, newTestScanner(db, f, nil), Options{})

	if calls.Load() != 0 {
		t.Fatalf("invalid registrations must not be looked up, got %d calls", calls.Load())
	}
	if snap.Succeeded != 1 {
		t.Fatalf("expected the classification to count as success: %+v", snap)
	}
	if v := getVehicle(t, db, "ABCDEFGHIJK"); v.Status != storage.StatusInvalidFormat {
		t.Fatalf("expected INVALID_FORMAT, got %s", v.Status)
	}
}

func TestScanRespectsConcurrency(t *testing.T) {
	db := openDB(t)
	for i := 0; i < 20; i++ {
		addVehicles(t, db, fmt.Sprintf("AB%02dCDE", i))
	}

	var inflight, peak, calls atomic.Int32
	f := fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		calls.Add(1)
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return dvsa.Outcome{Kind: dvsa.OutcomeNotFound}
	})
	snap := runToCompletion(t, newTestScanner(db, f, nil), Options{Concurrency: 3, BatchSize: 7})

	if p := peak.Load(); p > 3 || p < 2 {
		t.Fatalf("expected at most 3 concurrent lookups, peak was %d", p)
	}
	if calls.Load() != 20 || snap.Processed != 20 || snap.Total != 20 {
		t.Fatalf("expected 20 lookups, got calls=%d snap=%+v", calls.Load(), snap)
	}
}

func TestStartWhileRunningIsBusy(t *testing.T) {
	db := openDB(t)
	addVehicles(t, db, "AA11AAA", "BB22BBB", "CC33CCC")

	gate := make(chan struct{})
	entered := make(chan struct{}, 3)
	f := fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		entered <- struct{}{}
		<-gate
		return dvsa.Outcome{Kind: dvsa.OutcomeNotFound}
	})
	s := newTestScanner(db, f, nil)

	snap, err := s.Start(context.Background(), Options{Concurrency: 1, BatchSize: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.State != StateRunning || snap.ID == "" || snap.Total != 3 {
		t.Fatalf("unexpected first snapshot: %+v", snap)
	}
	<-entered

	if _, err := s.Start(context.Background(), Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.Status().State; got != StateStopping {
		t.Fatalf("expected stopping, got %s", got)
	}
	if _, err := s.Start(context.Background(), Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while stopping, got %v", err)
	}
	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	close(gate)
	s.Wait()
	final := s.Status()
	if final.State != StateCompleted || final.StopReason != StopReasonStopped || final.Processed != 1 {
		t.Fatalf("unexpected final snapshot: %+v", final)
	}
	if final.FinishedAt == nil {
		t.Fatalf("finished job must carry a finish time")
	}
}

func TestStopThenResumeContinuesFromCursor(t *testing.T) {
	db := openDB(t)
	var regs []string
	for i := 0; i < 10; i++ {
		regs = append(regs, fmt.Sprintf("CD%02dEFG", i))
	}
	addVehicles(t, db, regs...)

	var s *Scanner
	var calls atomic.Int32
	failing := fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		if calls.Add(1) == 3 {
			if err := s.Stop(); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}
		return dvsa.Outcome{Kind: dvsa.OutcomeTransientError, Err: errors.New("upstream down")}
	})
	s = newTestScanner(db, failing, nil)

	first := runToCompletion(t, s, Options{Concurrency: 1, BatchSize: 2})
	if first.StopReason != StopReasonStopped || first.Processed != 4 || first.Failed != 4 {
		t.Fatalf("unexpected first run: %+v", first)
	}
	last, err := db.LatestRun(context.Background())
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if last.StopReason != StopReasonStopped || last.Cursor != first.Cursor || last.Processed != 4 {
		t.Fatalf("run not persisted: %+v", last)
	}

	var mu sync.Mutex
	var seen []string
	s2 := newTestScanner(db, fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		mu.Lock()
		seen = append(seen, reg)
		mu.Unlock()
		return dvsa.Outcome{Kind: dvsa.OutcomeNotFound}
	}), nil)

	second := runToCompletion(t, s2, Options{Concurrency: 1, BatchSize: 2, Resume: true})
	if second.Total != 6 || second.Processed != 6 || second.StopReason != StopReasonFinished {
		t.Fatalf("unexpected resumed run: %+v", second)
	}
	for i, reg := range seen {
		if reg != regs[4+i] {
			t.Fatalf("resume must continue after the cursor, saw %v", seen)
		}
	}
}

func TestRescanOfFreshStoreIsNoop(t *testing.T) {
	db := openDB(t)
	addVehicles(t, db, "AA11AAA", "BB22BBB", "CC33CCC")

	var calls atomic.Int32
	f := fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		calls.Add(1)
		return dvsa.Outcome{Kind: dvsa.OutcomeNotFound}
	})
	s := newTestScanner(db, f, nil)

	runToCompletion(t, s, Options{})
	before, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	again := runToCompletion(t, s, Options{})
	if again.Total != 0 || again.Processed != 0 || calls.Load() != 3 {
		t.Fatalf("second run must not refetch fresh vehicles: calls=%d snap=%+v", calls.Load(), again)
	}
	after, _ := s.Stats(context.Background())
	if before.Total != after.Total || len(before.Counts) != len(after.Counts) || after.Counts[0] != before.Counts[0] {
		t.Fatalf("stats changed: %+v -> %+v", before, after)
	}
}

func TestStartRejectsBadCredentials(t *testing.T) {
	db := openDB(t)
	addVehicles(t, db, "AB12CDE")

	var calls atomic.Int32
	f := fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		calls.Add(1)
		return dvsa.Outcome{Kind: dvsa.OutcomeNotFound}
	})
	s := newTestScanner(db, f, func(c *Config) {
		c.Tokens = fakeTokens{err: fmt.Errorf("%w: invalid_client", dvsa.ErrAuth)}
	})

	if _, err := s.Start(context.Background(), Options{}); !errors.Is(err, dvsa.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if got := s.Status().State; got != StateIdle {
		t.Fatalf("job must not start, state is %s", got)
	}
	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	s.Wait()
	if calls.Load() != 0 {
		t.Fatalf("no lookups expected, got %d", calls.Load())
	}
}

func TestFatalOutcomeStopsRun(t *testing.T) {
	db := openDB(t)
	addVehicles(t, db, "AA11AAA", "BB22BBB", "CC33CCC", "DD44DDD", "EE55EEE", "FF66FFF")

	var calls atomic.Int32
	f := fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		calls.Add(1)
		return dvsa.Outcome{Kind: dvsa.OutcomeFatalError, Err: fmt.Errorf("%w: token endpoint 500", dvsa.ErrAuth)}
	})
	s := newTestScanner(db, f, nil)
	snap := runToCompletion(t, s, Options{Concurrency: 1, BatchSize: 2})

	if snap.StopReason != StopReasonAuthError {
		t.Fatalf("expected auth_error, got %q", snap.StopReason)
	}
	if calls.Load() != 1 || snap.Processed != 1 || snap.Failed != 1 {
		t.Fatalf("run must halt on the first fatal outcome: calls=%d snap=%+v", calls.Load(), snap)
	}
	last, err := db.LatestRun(context.Background())
	if err != nil || last.StopReason != StopReasonAuthError || last.State != StateCompleted {
		t.Fatalf("unexpected persisted run: %+v %v", last, err)
	}
}

func TestNotifierReceivesStatusChanges(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	addVehicles(t, db, "AB12CDE", "XY12ZZZ")

	expiry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := getVehicle(t, db, "AB12CDE")
	if err := db.UpdateInspection(ctx, storage.InspectionUpdate{
		VehicleID:  v.ID,
		Status:     storage.StatusValid,
		ExpiryDate: &expiry,
		CheckedAt:  testNow.AddDate(0, -1, 0),
	}); err != nil {
		t.Fatalf("UpdateInspection: %v", err)
	}

	f := dvsaFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, motPayload("AB12CDE", "FAILED", ""))
	})

	var mu sync.Mutex
	var changes []Change
	s := newTestScanner(db, f, func(c *Config) {
		c.Notifier = NotifierFunc(func(ctx context.Context, ch Change) {
			mu.Lock()
			changes = append(changes, ch)
			mu.Unlock()
		})
	})
	runToCompletion(t, s, Options{})

	// XY12ZZZ was never checked before, so only AB12CDE is reported.
	if len(changes) != 1 {
		t.Fatalf("expected one change, got %+v", changes)
	}
	got := changes[0]
	if got.Registration != "AB12CDE" || got.Previous != storage.StatusValid || got.Current != storage.StatusUnknown {
		t.Fatalf("unexpected change: %+v", got)
	}
	if v := getVehicle(t, db, "AB12CDE"); v.ExpiryDate != nil {
		t.Fatalf("expiry must be cleared without a valid pass, got %v", v.ExpiryDate)
	}
}

func TestShutdownCancelsInFlightLookups(t *testing.T) {
	db := openDB(t)
	addVehicles(t, db, "AA11AAA", "BB22BBB")

	entered := make(chan struct{}, 4)
	f := fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return dvsa.Outcome{Kind: dvsa.OutcomeTransientError, Err: ctx.Err()}
	})
	s := newTestScanner(db, f, nil)
	if _, err := s.Start(context.Background(), Options{Concurrency: 1, BatchSize: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	snap := s.Status()
	if snap.State != StateCompleted || snap.StopReason != StopReasonStopped || snap.Processed != 1 || snap.Failed != 1 {
		t.Fatalf("unexpected snapshot after shutdown: %+v", snap)
	}

	run, err := db.LatestRun(context.Background())
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if run.ID != snap.ID || run.State != StateCompleted || run.StopReason != StopReasonStopped {
		t.Fatalf("unexpected persisted run: %+v", run)
	}
	if run.Processed != 1 || run.Failed != 1 || run.FinishedAt == nil {
		t.Fatalf("counters not persisted: %+v", run)
	}

	if _, err := s.Start(context.Background(), Options{Concurrency: 1, BatchSize: 1}); err != nil {
		t.Fatalf("second Start after shutdown: %v", err)
	}
	<-entered
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	s.Shutdown(ctx2)
	if got := s.Status().State; got != StateCompleted {
		t.Fatalf("expected second job completed, got %s", got)
	}
}

type blockingTokens struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingTokens) Token(ctx context.Context) (dvsa.AuthToken, error) {
	b.entered <- struct{}{}
	<-b.release
	return dvsa.AuthToken{Value: "tok"}, nil
}

func (blockingTokens) Invalidate() {}

func TestCredentialCheckDoesNotHoldScanner(t *testing.T) {
	db := openDB(t)
	addVehicles(t, db, "AA11AAA")

	tokens := blockingTokens{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newTestScanner(db, fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		return dvsa.Outcome{Kind: dvsa.OutcomeNotFound}
	}), func(c *Config) { c.Tokens = tokens })

	started := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), Options{})
		started <- err
	}()
	<-tokens.entered

	returned := make(chan struct{})
	go func() {
		s.Wait()
		if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
			t.Errorf("expected ErrNotRunning, got %v", err)
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait and Stop blocked on the credential check")
	}

	close(tokens.release)
	if err := <-started; err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Wait()
	if snap := s.Status(); snap.State != StateCompleted || snap.Processed != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestLimitOnPageBoundarySkipsDelay(t *testing.T) {
	db := openDB(t)
	addVehicles(t, db, "AA11AAA", "BB22BBB", "CC33CCC", "DD44DDD")

	s := newTestScanner(db, fetcherFunc(func(ctx context.Context, reg string) dvsa.Outcome {
		return dvsa.Outcome{Kind: dvsa.OutcomeNotFound}
	}), nil)
	if _, err := s.Start(context.Background(), Options{Concurrency: 1, BatchSize: 2, Limit: 2, InterBatchDelay: time.Hour}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job slept between batches after reaching its limit")
	}
	if snap := s.Status(); snap.Processed != 2 || snap.StopReason != StopReasonFinished {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
