package storage

import "time"

// InspectionStatus is the stored MOT classification of a vehicle.
type InspectionStatus string

const (
	StatusValid         InspectionStatus = "VALID"
	StatusExpired       InspectionStatus = "EXPIRED"
	StatusDueSoon       InspectionStatus = "DUE_SOON"
	StatusUnknown       InspectionStatus = "UNKNOWN"
	StatusNotFound      InspectionStatus = "NOT_FOUND"
	StatusInvalidFormat InspectionStatus = "INVALID_FORMAT"

	// StatusUnchecked is a reporting bucket for vehicles never looked up.
	// It is never written.
	StatusUnchecked InspectionStatus = "UNCHECKED"
)

// Defect is one defect or advisory line, stored as JSON.
type Defect struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Dangerous bool   `json:"dangerous,omitempty"`
}

// Vehicle is a row of the vehicles table.
type Vehicle struct {
	ID           int64            `json:"id"`
	Registration string           `json:"registration"`
	Make         string           `json:"make,omitempty"`
	Model        string           `json:"model,omitempty"`
	Status       InspectionStatus `json:"inspection_status,omitempty"`

	ExpiryDate    *time.Time `json:"inspection_expiry_date,omitempty"`
	TestDate      *time.Time `json:"inspection_test_date,omitempty"`
	OdometerValue *int64     `json:"odometer_value,omitempty"`
	OdometerUnit  string     `json:"odometer_unit,omitempty"`
	TestNumber    string     `json:"test_number,omitempty"`
	Defects       []Defect   `json:"defects"`
	Advisories    []Defect   `json:"advisories"`

	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

// EffectiveStatus derives EXPIRED and DUE_SOON from a stored VALID status and
// the expiry date, relative to today. dueSoonUntil is the last day still
// counted as due soon.
func (v Vehicle) EffectiveStatus(today, dueSoonUntil time.Time) InspectionStatus {
	if v.Status == "" {
		return StatusUnchecked
	}
	if v.Status != StatusValid || v.ExpiryDate == nil {
		return v.Status
	}
	expiry := v.ExpiryDate.Format(dateLayout)
	switch {
	case expiry < today.Format(dateLayout):
		return StatusExpired
	case expiry <= dueSoonUntil.Format(dateLayout):
		return StatusDueSoon
	default:
		return StatusValid
	}
}

// Cursor is a keyset position in stale-first candidate order. CheckedAt is
// the stored last_checked_at text, empty for never-checked vehicles.
type Cursor struct {
	CheckedAt string `json:"checked_at"`
	ID        int64  `json:"id"`
}

// IsZero reports whether the cursor points at the start of the ordering.
func (c Cursor) IsZero() bool { return c.CheckedAt == "" && c.ID == 0 }

// Cursor returns the keyset position of v.
func (v Vehicle) Cursor() Cursor {
	c := Cursor{ID: v.ID}
	if v.LastCheckedAt != nil {
		c.CheckedAt = formatTimestamp(*v.LastCheckedAt)
	}
	return c
}

// CandidateQuery selects vehicles due for a refresh.
type CandidateQuery struct {
	// StaleBefore: vehicles checked at or after this instant are fresh.
	StaleBefore time.Time
	After       Cursor
	Limit       int
}

// InspectionUpdate is a full write after a successful lookup.
type InspectionUpdate struct {
	VehicleID     int64
	Status        InspectionStatus
	ExpiryDate    *time.Time
	TestDate      *time.Time
	OdometerValue *int64
	OdometerUnit  string
	TestNumber    string
	Defects       []Defect
	Advisories    []Defect
	Make          string
	Model         string
	CheckedAt     time.Time
}

// StatusCount is one row of the effective status breakdown.
type StatusCount struct {
	Status InspectionStatus `json:"status"`
	Count  int              `json:"count"`
}

// ListOptions controls selection when listing vehicles.
type ListOptions struct {
	Status InspectionStatus
	Search string
	Limit  int
}

// Run is the persisted record of one scan job.
type Run struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	StopReason string     `json:"stop_reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Cursor     Cursor     `json:"cursor"`
}
