package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sw33tLie/motscan/pkg/dvsa"
	"github.com/sw33tLie/motscan/pkg/storage"
)

// Updater is the write side of the vehicle store.
type Updater interface {
	UpdateInspection(ctx context.Context, u storage.InspectionUpdate) error
	UpdateStatus(ctx context.Context, vehicleID int64, status storage.InspectionStatus, checkedAt time.Time) error
}

// Change describes what Apply did to one vehicle. Previous and Current are
// effective statuses.
type Change struct {
	Registration string                   `json:"registration"`
	Previous     storage.InspectionStatus `json:"previous"`
	Current      storage.InspectionStatus `json:"current"`
	ExpiryDate   *time.Time               `json:"expiry_date,omitempty"`
	Written      bool                     `json:"written"`
}

// StatusChanged reports whether a previously classified vehicle moved to a
// different effective status.
func (c Change) StatusChanged() bool {
	return c.Written && c.Previous != storage.StatusUnchecked && c.Previous != c.Current
}

// Notifier receives status changes, e.g. to queue a reminder.
type Notifier interface {
	NotifyStatusChange(ctx context.Context, c Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c Change)

func (f NotifierFunc) NotifyStatusChange(ctx context.Context, c Change) { f(ctx, c) }

// WriterConfig configures a Writer.
type WriterConfig struct {
	Store    Updater
	Notifier Notifier // optional
	Now      func() time.Time
	// DueSoonWindow is how far ahead of expiry a VALID vehicle counts as
	// DUE_SOON. Defaults to 30 days.
	DueSoonWindow time.Duration
	// AdvisoryTypes are the defect types stored as advisories. Defaults to
	// ADVISORY.
	AdvisoryTypes []string
}

// Writer turns lookup outcomes into vehicle store updates.
type Writer struct {
	cfg      WriterConfig
	advisory map[string]bool
}

// NewWriter builds a Writer.
func NewWriter(cfg WriterConfig) *Writer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DueSoonWindow <= 0 {
		cfg.DueSoonWindow = 30 * 24 * time.Hour
	}
	if len(cfg.AdvisoryTypes) == 0 {
		cfg.AdvisoryTypes = []string{"ADVISORY"}
	}
	w := &Writer{cfg: cfg, advisory: make(map[string]bool, len(cfg.AdvisoryTypes))}
	for _, t := range cfg.AdvisoryTypes {
		w.advisory[strings.ToUpper(strings.TrimSpace(t))] = true
	}
	return w
}

// Window returns today and the last day counted as due soon.
func (w *Writer) Window() (today, dueSoonUntil time.Time) {
	now := w.cfg.Now().UTC()
	today = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today, today.Add(w.cfg.DueSoonWindow)
}

// StatusFor maps a terminal outcome to the status that is stored. ok is
// false for outcomes that must not be written.
func StatusFor(out dvsa.Outcome) (status storage.InspectionStatus, ok bool) {
	switch out.Kind {
	case dvsa.OutcomeSuccess:
		if out.Result != nil && out.Result.HasValidPass {
			return storage.StatusValid, true
		}
		return storage.StatusUnknown, true
	case dvsa.OutcomeNotFound:
		return storage.StatusNotFound, true
	case dvsa.OutcomeInvalidFormat:
		return storage.StatusInvalidFormat, true
	default:
		return "", false
	}
}

// Apply persists out for v. Non-terminal outcomes write nothing and return
// a zero Change. Success writes the selected test's details; NotFound and
// InvalidFormat only touch the status and the check timestamp.
func (w *Writer) Apply(ctx context.Context, v storage.Vehicle, out dvsa.Outcome) (Change, error) {
	status, ok := StatusFor(out)
	if !ok {
		return Change{Registration: v.Registration}, nil
	}

	today, dueSoonUntil := w.Window()
	checkedAt := w.cfg.Now().UTC()
	change := Change{
		Registration: v.Registration,
		Previous:     v.EffectiveStatus(today, dueSoonUntil),
	}

	updated := v
	updated.Status = status
	updated.LastCheckedAt = &checkedAt

	if out.Kind == dvsa.OutcomeSuccess {
		u := w.inspectionUpdate(v.ID, status, out.Result, checkedAt)
		if err := w.cfg.Store.UpdateInspection(ctx, u); err != nil {
			return change, fmt.Errorf("updating %s: %w", v.Registration, err)
		}
		updated.ExpiryDate = u.ExpiryDate
	} else {
		if err := w.cfg.Store.UpdateStatus(ctx, v.ID, status, checkedAt); err != nil {
			return change, fmt.Errorf("updating %s: %w", v.Registration, err)
		}
	}

	change.Written = true
	change.Current = updated.EffectiveStatus(today, dueSoonUntil)
	change.ExpiryDate = updated.ExpiryDate
	if w.cfg.Notifier != nil && change.StatusChanged() {
		w.cfg.Notifier.NotifyStatusChange(ctx, change)
	}
	return change, nil
}

func (w *Writer) inspectionUpdate(id int64, status storage.InspectionStatus, res *dvsa.MOTResult, checkedAt time.Time) storage.InspectionUpdate {
	u := storage.InspectionUpdate{
		VehicleID: id,
		Status:    status,
		CheckedAt: checkedAt,
	}
	if res == nil {
		return u
	}
	u.Make = res.Make
	u.Model = res.Model

	sel := res.Selected
	if sel == nil {
		return u
	}
	if status == storage.StatusValid {
		expiry := sel.ExpiryDate
		u.ExpiryDate = &expiry
	}
	if !sel.CompletedDate.IsZero() {
		tested := sel.CompletedDate
		u.TestDate = &tested
	}
	u.OdometerValue = sel.OdometerValue
	u.OdometerUnit = sel.OdometerUnit
	u.TestNumber = sel.TestNumber
	u.Defects, u.Advisories = w.splitDefects(sel.Defects)
	return u
}

func (w *Writer) splitDefects(in []dvsa.Defect) (defects, advisories []storage.Defect) {
	defects = []storage.Defect{}
	advisories = []storage.Defect{}
	for _, d := range in {
		sd := storage.Defect{Type: d.Type, Text: d.Text, Dangerous: d.Dangerous}
		if w.advisory[strings.ToUpper(d.Type)] {
			advisories = append(advisories, sd)
		} else {
			defects = append(defects, sd)
		}
	}
	return defects, advisories
}
