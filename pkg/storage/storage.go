package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a vehicle or run does not exist.
var ErrNotFound = errors.New("not found")

const (
	dateLayout = "2006-01-02"
	// Fixed width so that text comparison in SQL orders like time.
	timestampLayout = "2006-01-02T15:04:05.000000Z"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS vehicles (
  id                     INTEGER PRIMARY KEY,
  registration           TEXT NOT NULL UNIQUE,
  make                   TEXT,
  model                  TEXT,
  inspection_status      TEXT CHECK (inspection_status IN ('VALID','EXPIRED','DUE_SOON','UNKNOWN','NOT_FOUND','INVALID_FORMAT')),
  inspection_expiry_date TEXT,
  inspection_test_date   TEXT,
  odometer_value         INTEGER,
  odometer_unit          TEXT,
  test_number            TEXT,
  defects                TEXT NOT NULL DEFAULT '[]',
  advisories             TEXT NOT NULL DEFAULT '[]',
  last_checked_at        TEXT,
  created_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_vehicles_stale ON vehicles(COALESCE(last_checked_at, ''), id);
CREATE INDEX IF NOT EXISTS idx_vehicles_status ON vehicles(inspection_status);
CREATE TABLE IF NOT EXISTS scan_runs (
  id                TEXT PRIMARY KEY,
  state             TEXT NOT NULL,
  stop_reason       TEXT,
  started_at        TEXT NOT NULL,
  finished_at       TEXT,
  total             INTEGER NOT NULL DEFAULT 0,
  processed         INTEGER NOT NULL DEFAULT 0,
  succeeded         INTEGER NOT NULL DEFAULT 0,
  failed            INTEGER NOT NULL DEFAULT 0,
  cursor_checked_at TEXT NOT NULL DEFAULT '',
  cursor_id         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON scan_runs(started_at);
    `); err != nil {
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

const vehicleColumns = `id, registration, make, model, inspection_status, inspection_expiry_date, inspection_test_date, odometer_value, odometer_unit, test_number, defects, advisories, last_checked_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVehicle(s rowScanner) (Vehicle, error) {
	var (
		v                                   Vehicle
		mk, model, status, expiry, testDate sql.NullString
		unit, testNumber, checked           sql.NullString
		defects, advisories                 sql.NullString
		odometer                            sql.NullInt64
	)
	if err := s.Scan(&v.ID, &v.Registration, &mk, &model, &status, &expiry, &testDate, &odometer, &unit, &testNumber, &defects, &advisories, &checked); err != nil {
		return Vehicle{}, err
	}
	v.Make = mk.String
	v.Model = model.String
	v.Status = InspectionStatus(status.String)
	v.ExpiryDate = parseNullTime(expiry, dateLayout)
	v.TestDate = parseNullTime(testDate, dateLayout)
	if odometer.Valid {
		o := odometer.Int64
		v.OdometerValue = &o
	}
	v.OdometerUnit = unit.String
	v.TestNumber = testNumber.String
	v.LastCheckedAt = parseNullTime(checked, timestampLayout)

	var err error
	if v.Defects, err = decodeDefects(defects); err != nil {
		return Vehicle{}, fmt.Errorf("decoding defects of %s: %w", v.Registration, err)
	}
	if v.Advisories, err = decodeDefects(advisories); err != nil {
		return Vehicle{}, fmt.Errorf("decoding advisories of %s: %w", v.Registration, err)
	}
	return v, nil
}

// UpsertVehicle inserts a vehicle if its registration is not yet known.
// It reports whether a row was added.
func (d *DB) UpsertVehicle(ctx context.Context, registration, vehicleMake, model string) (bool, error) {
	if registration == "" {
		return false, errors.New("empty registration")
	}
	res, err := d.sql.ExecContext(ctx, `INSERT INTO vehicles(registration, make, model) VALUES(?,?,?) ON CONFLICT(registration) DO NOTHING`, registration, nullIfEmpty(vehicleMake), nullIfEmpty(model))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetVehicle returns the vehicle with the given normalized registration.
func (d *DB) GetVehicle(ctx context.Context, registration string) (Vehicle, error) {
	row := d.sql.QueryRowContext(ctx, "SELECT "+vehicleColumns+" FROM vehicles WHERE registration = ?", registration)
	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Vehicle{}, fmt.Errorf("vehicle %s: %w", registration, ErrNotFound)
	}
	return v, err
}

// ListVehicles returns vehicles matching filters, ordered by registration.
func (d *DB) ListVehicles(ctx context.Context, opts ListOptions) ([]Vehicle, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	switch opts.Status {
	case "":
	case StatusUnchecked:
		where += " AND inspection_status IS NULL"
	default:
		where += " AND inspection_status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Search != "" {
		where += " AND registration LIKE ?"
		args = append(args, fmt.Sprintf("%%%s%%", opts.Search))
	}
	q := "SELECT " + vehicleColumns + " FROM vehicles " + where + " ORDER BY registration"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const candidateWhere = `
WHERE (last_checked_at IS NULL OR last_checked_at < ?)
  AND (COALESCE(last_checked_at, '') > ? OR (COALESCE(last_checked_at, '') = ? AND id > ?))`

// CountCandidates counts vehicles that ListCandidates would page through.
func (d *DB) CountCandidates(ctx context.Context, q CandidateQuery) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM vehicles"+candidateWhere,
		formatTimestamp(q.StaleBefore), q.After.CheckedAt, q.After.CheckedAt, q.After.ID).Scan(&n)
	return n, err
}

// ListCandidates returns up to q.Limit stale vehicles after q.After, never
// checked first, then oldest checked first, ties broken by id.
func (d *DB) ListCandidates(ctx context.Context, q CandidateQuery) ([]Vehicle, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	rows, err := d.sql.QueryContext(ctx, "SELECT "+vehicleColumns+" FROM vehicles"+candidateWhere+`
ORDER BY COALESCE(last_checked_at, ''), id
LIMIT ?`, formatTimestamp(q.StaleBefore), q.After.CheckedAt, q.After.CheckedAt, q.After.ID, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Vehicle, 0, q.Limit)
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateInspection writes the outcome of a successful lookup in one
// statement. Make and model are only overwritten when non-empty.
func (d *DB) UpdateInspection(ctx context.Context, u InspectionUpdate) error {
	defects, err := encodeDefects(u.Defects)
	if err != nil {
		return err
	}
	advisories, err := encodeDefects(u.Advisories)
	if err != nil {
		return err
	}
	var odometer interface{}
	if u.OdometerValue != nil {
		odometer = *u.OdometerValue
	}

	res, err := d.sql.ExecContext(ctx, `
UPDATE vehicles SET
  inspection_status = ?,
  inspection_expiry_date = ?,
  inspection_test_date = ?,
  odometer_value = ?,
  odometer_unit = ?,
  test_number = ?,
  defects = ?,
  advisories = ?,
  make = COALESCE(?, make),
  model = COALESCE(?, model),
  last_checked_at = ?
WHERE id = ?`,
		string(u.Status), formatNullDate(u.ExpiryDate), formatNullDate(u.TestDate), odometer,
		nullIfEmpty(u.OdometerUnit), nullIfEmpty(u.TestNumber), defects, advisories,
		nullIfEmpty(u.Make), nullIfEmpty(u.Model), formatTimestamp(u.CheckedAt), u.VehicleID)
	if err != nil {
		return err
	}
	return expectOneRow(res, u.VehicleID)
}

// UpdateStatus sets only the status and last check time, leaving the last
// known expiry and test details untouched.
func (d *DB) UpdateStatus(ctx context.Context, vehicleID int64, status InspectionStatus, checkedAt time.Time) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE vehicles SET inspection_status = ?, last_checked_at = ? WHERE id = ?`,
		string(status), formatTimestamp(checkedAt), vehicleID)
	if err != nil {
		return err
	}
	return expectOneRow(res, vehicleID)
}

// GetStatusCounts returns vehicle counts per effective status. VALID rows
// whose expiry is before today count as EXPIRED, and those expiring on or
// before dueSoonUntil as DUE_SOON.
func (d *DB) GetStatusCounts(ctx context.Context, today, dueSoonUntil time.Time) ([]StatusCount, error) {
	query := `
		SELECT
			CASE
				WHEN inspection_status IS NULL THEN 'UNCHECKED'
				WHEN inspection_status = 'VALID' AND inspection_expiry_date < ? THEN 'EXPIRED'
				WHEN inspection_status = 'VALID' AND inspection_expiry_date <= ? THEN 'DUE_SOON'
				ELSE inspection_status
			END AS effective,
			COUNT(*)
		FROM
			vehicles
		GROUP BY
			effective
		ORDER BY
			effective;
	`
	rows, err := d.sql.QueryContext(ctx, query, today.Format(dateLayout), dueSoonUntil.Format(dateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []StatusCount
	for rows.Next() {
		var s StatusCount
		var status string
		if err := rows.Scan(&status, &s.Count); err != nil {
			return nil, err
		}
		s.Status = InspectionStatus(status)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

func expectOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("vehicle id %d: %w", id, ErrNotFound)
	}
	return nil
}

func encodeDefects(defects []Defect) (string, error) {
	if defects == nil {
		defects = []Defect{}
	}
	b, err := json.Marshal(defects)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeDefects(s sql.NullString) ([]Defect, error) {
	out := []Defect{}
	if !s.Valid || s.String == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func formatNullDate(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(dateLayout)
}

func parseNullTime(s sql.NullString, layout string) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(layout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
