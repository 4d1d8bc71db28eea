package job

import (
	"database/sql"
	"strings"
	"time"

	"github.com/observatorio-andes/snowflow/errors"
)

// Store persists job records in SQLite.
//
// Transitions out of open states are conditional updates guarded on the
// current state; a transition that matched no row reports ErrConflict so a
// concurrent instance's win is never silently overwritten. Terminal rows are
// never mutated back to an open state.
type Store struct {
	db *sql.DB
}

// NewStore creates a job record store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateIfIdle inserts a new pending record for its job type. The partial
// unique index on open records makes the check-and-create atomic across
// processes: if any open record already exists for the type, the insert
// fails and ErrConflict is returned.
func (s *Store) CreateIfIdle(rec *Record) error {
	query := `
		INSERT INTO job_records (
			id, job_type, attempt, state, params,
			poll_interval_sec, next_check_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	params := sql.NullString{String: string(rec.Params), Valid: len(rec.Params) > 0}
	nextCheck := sql.NullTime{}
	if rec.NextCheckAt != nil {
		nextCheck = sql.NullTime{Time: *rec.NextCheckAt, Valid: true}
	}

	_, err := s.db.Exec(query,
		rec.ID,
		rec.JobType,
		rec.Attempt,
		rec.State,
		params,
		rec.PollIntervalSec,
		nextCheck,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "open record already exists for job type %s", rec.JobType)
		}
		return errors.Wrap(err, "failed to create job record")
	}

	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Get retrieves a record by ID.
func (s *Store) Get(id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM job_records WHERE id = ?`

	var rec Record
	args := &RecordScanArgs{}
	err := s.db.QueryRow(query, id).Scan(GetRecordScanTargets(&rec, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job record not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job record")
	}

	ProcessRecordScanArgs(&rec, args)
	return &rec, nil
}

// MarkSubmitted transitions a pending record to submitted, recording the
// remote task handle and scheduling the first poll.
func (s *Store) MarkSubmitted(id, taskHandle string, now time.Time) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	nextCheck := now.Add(time.Duration(rec.PollIntervalSec) * time.Second)

	query := `
		UPDATE job_records
		SET state = ?, task_handle = ?, submitted_at = ?, next_check_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`
	return s.transition(query, StateSubmitted, taskHandle, now, nextCheck, now, id, StatePending)
}

// MarkRunning transitions a submitted record to running.
func (s *Store) MarkRunning(id string, now time.Time) error {
	query := `
		UPDATE job_records
		SET state = ?, last_polled_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`
	return s.transition(query, StateRunning, now, now, id, StateSubmitted)
}

// MarkSucceeded transitions an open record to succeeded with its artifact.
// The terminal transition happens before downstream dispatch; the winner of
// this update is the only instance that dispatches.
func (s *Store) MarkSucceeded(id, artifact string, now time.Time) error {
	query := `
		UPDATE job_records
		SET state = ?, artifact = ?, completed_at = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND state IN ('submitted', 'running')
	`
	return s.transition(query, StateSucceeded, artifact, now, now, id)
}

// MarkFailed transitions an open record to failed with the error recorded.
func (s *Store) MarkFailed(id, errMsg string, now time.Time) error {
	query := `
		UPDATE job_records
		SET state = ?, error = ?, completed_at = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND state IN ('pending', 'submitted', 'running')
	`
	return s.transition(query, StateFailed, errMsg, now, now, id)
}

// MarkTimedOut transitions an open record to timed_out.
func (s *Store) MarkTimedOut(id, errMsg string, now time.Time) error {
	query := `
		UPDATE job_records
		SET state = ?, error = ?, completed_at = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND state IN ('submitted', 'running')
	`
	return s.transition(query, StateTimedOut, errMsg, now, now, id)
}

// MarkCancelled transitions an open record to cancelled. The remote task, if
// any, is cancelled asynchronously by the orchestrator (see MarkCancelAcked).
func (s *Store) MarkCancelled(id string, now time.Time) error {
	query := `
		UPDATE job_records
		SET state = ?, completed_at = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND state IN ('pending', 'submitted', 'running')
	`
	return s.transition(query, StateCancelled, now, now, id)
}

// transition runs a guarded state update and reports ErrConflict when the
// guard matched no row (the record moved under a concurrent instance).
func (s *Store) transition(query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to transition job record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check transition result")
	}
	if n == 0 {
		return errors.Wrap(errors.ErrConflict, "job record not in expected state")
	}
	return nil
}

// RecordPollBackoff doubles the record's poll interval and schedules the
// next check. Applied after every poll that leaves the record open, whether
// the task is still running or the poll failed transiently. State is
// unchanged.
func (s *Store) RecordPollBackoff(id string, current int, now time.Time) error {
	next := NextPollInterval(current)
	query := `
		UPDATE job_records
		SET last_polled_at = ?, next_check_at = ?, poll_interval_sec = ?, lease_until = NULL, updated_at = ?
		WHERE id = ?
	`
	_, err := s.db.Exec(query, now, now.Add(time.Duration(next)*time.Second), next, now, id)
	return errors.Wrap(err, "failed to record poll backoff")
}

// LeaseDue claims up to limit records that are due for polling. A claimed
// record is invisible to other instances until its lease expires or is
// cleared by the next store write. Runs in a transaction so two instances
// never claim the same record.
func (s *Store) LeaseDue(now time.Time, lease time.Duration, limit int) ([]*Record, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin lease transaction")
	}
	defer tx.Rollback()

	query := `
		SELECT ` + recordColumns + `
		FROM job_records
		WHERE state IN ('submitted', 'running')
		  AND (next_check_at IS NULL OR next_check_at <= ?)
		  AND (lease_until IS NULL OR lease_until <= ?)
		ORDER BY next_check_at
		LIMIT ?
	`
	rows, err := tx.Query(query, now, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select due job records")
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	leaseUntil := now.Add(lease)
	for _, rec := range records {
		if _, err := tx.Exec(
			`UPDATE job_records SET lease_until = ?, updated_at = ? WHERE id = ?`,
			leaseUntil, now, rec.ID,
		); err != nil {
			return nil, errors.Wrap(err, "failed to lease job record")
		}
		until := leaseUntil
		rec.LeaseUntil = &until
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit lease transaction")
	}
	return records, nil
}

// MarkPublished records that the succeeded record's artifact was published.
func (s *Store) MarkPublished(id string, now time.Time) error {
	query := `
		UPDATE job_records
		SET published_at = ?, publish_error = NULL, updated_at = ?
		WHERE id = ? AND published_at IS NULL
	`
	_, err := s.db.Exec(query, now, now, id)
	return errors.Wrap(err, "failed to mark job record published")
}

// SetPublishError records a publish failure for later reconciliation.
func (s *Store) SetPublishError(id, msg string, now time.Time) error {
	query := `UPDATE job_records SET publish_error = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.Exec(query, msg, now, id)
	return errors.Wrap(err, "failed to record publish error")
}

// MarkNotified records that the terminal notification for this record went out.
func (s *Store) MarkNotified(id string, now time.Time) error {
	query := `
		UPDATE job_records
		SET notified_at = ?, updated_at = ?
		WHERE id = ? AND notified_at IS NULL
	`
	_, err := s.db.Exec(query, now, now, id)
	return errors.Wrap(err, "failed to mark job record notified")
}

// MarkCancelAcked records that the remote service acknowledged cancellation.
func (s *Store) MarkCancelAcked(id string, now time.Time) error {
	query := `UPDATE job_records SET cancel_acked_at = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.Exec(query, now, now, id)
	return errors.Wrap(err, "failed to mark cancel acknowledged")
}

// LastSettled returns the completion time of the most recent terminal record
// for the job type, or nil when no run has reached a terminal state. Failed
// and timed-out runs count: a type whose lineage exhausted its attempts is
// not due again until the next cadence period.
func (s *Store) LastSettled(jobType string) (*time.Time, error) {
	query := `
		SELECT completed_at FROM job_records
		WHERE job_type = ?
		  AND state IN ('succeeded', 'failed', 'timed_out', 'cancelled')
		  AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1
	`
	var t time.Time
	err := s.db.QueryRow(query, jobType).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get last settled run")
	}
	return &t, nil
}

// ListPending returns pending records, oldest first. The initiator re-submits
// these: a transient submission failure leaves the record pending for the
// next tick without consuming an attempt.
func (s *Store) ListPending() ([]*Record, error) {
	return s.list(`SELECT `+recordColumns+` FROM job_records WHERE state = 'pending' ORDER BY created_at`)
}

// ListOpen returns all non-terminal records.
func (s *Store) ListOpen() ([]*Record, error) {
	return s.list(`SELECT ` + recordColumns + ` FROM job_records WHERE state IN ('pending', 'submitted', 'running') ORDER BY created_at`)
}

// ListSucceededUndispatched returns succeeded records whose publication or
// notification has not completed. The orchestrator re-dispatches these each
// tick until both are recorded, which is what makes a crash between the
// terminal transition and dispatch recoverable.
func (s *Store) ListSucceededUndispatched() ([]*Record, error) {
	return s.list(`
		SELECT ` + recordColumns + ` FROM job_records
		WHERE state = 'succeeded' AND (published_at IS NULL OR notified_at IS NULL)
		ORDER BY completed_at
	`)
}

// ListCancelledUnacked returns cancelled records with a remote handle whose
// cancellation has not been acknowledged remotely.
func (s *Store) ListCancelledUnacked() ([]*Record, error) {
	return s.list(`
		SELECT ` + recordColumns + ` FROM job_records
		WHERE state = 'cancelled' AND task_handle IS NOT NULL AND cancel_acked_at IS NULL
		ORDER BY completed_at
	`)
}

// List returns the most recent records, optionally filtered by job type.
func (s *Store) List(jobType string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if jobType != "" {
		return s.list(`
			SELECT `+recordColumns+` FROM job_records
			WHERE job_type = ?
			ORDER BY created_at DESC
			LIMIT ?
		`, jobType, limit)
	}
	return s.list(`
		SELECT `+recordColumns+` FROM job_records
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
}

// CountByState returns record counts grouped by state.
func (s *Store) CountByState() (map[State]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM job_records GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count job records")
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan state count")
		}
		counts[state] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate state counts")
}

func (s *Store) list(query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job records")
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		args := &RecordScanArgs{}
		if err := rows.Scan(GetRecordScanTargets(&rec, args)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan job record")
		}
		ProcessRecordScanArgs(&rec, args)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate job records")
	}
	return records, nil
}
