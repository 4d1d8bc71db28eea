package job

import (
	"database/sql"
	"time"
)

// recordColumns is the column list every record SELECT uses, in the order
// expected by GetRecordScanTargets.
const recordColumns = `id, job_type, attempt, state, task_handle, params, artifact, error,
	publish_error, submitted_at, last_polled_at, next_check_at, poll_interval_sec,
	lease_until, published_at, notified_at, cancel_acked_at, completed_at,
	created_at, updated_at`

// RecordScanArgs holds the nullable intermediates needed to scan a record row.
type RecordScanArgs struct {
	TaskHandle    sql.NullString
	Params        sql.NullString
	Artifact      sql.NullString
	ErrorMsg      sql.NullString
	PublishError  sql.NullString
	SubmittedAt   sql.NullTime
	LastPolledAt  sql.NullTime
	NextCheckAt   sql.NullTime
	LeaseUntil    sql.NullTime
	PublishedAt   sql.NullTime
	NotifiedAt    sql.NullTime
	CancelAckedAt sql.NullTime
	CompletedAt   sql.NullTime
}

// GetRecordScanTargets returns scan destinations for the record and its
// nullable intermediates, in recordColumns order.
func GetRecordScanTargets(rec *Record, args *RecordScanArgs) []interface{} {
	return []interface{}{
		&rec.ID,
		&rec.JobType,
		&rec.Attempt,
		&rec.State,
		&args.TaskHandle,
		&args.Params,
		&args.Artifact,
		&args.ErrorMsg,
		&args.PublishError,
		&args.SubmittedAt,
		&args.LastPolledAt,
		&args.NextCheckAt,
		&rec.PollIntervalSec,
		&args.LeaseUntil,
		&args.PublishedAt,
		&args.NotifiedAt,
		&args.CancelAckedAt,
		&args.CompletedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	}
}

// ProcessRecordScanArgs copies scanned nullable values into the record.
func ProcessRecordScanArgs(rec *Record, args *RecordScanArgs) {
	if args.TaskHandle.Valid {
		rec.TaskHandle = args.TaskHandle.String
	}
	if args.Params.Valid {
		rec.Params = []byte(args.Params.String)
	}
	if args.Artifact.Valid {
		rec.Artifact = args.Artifact.String
	}
	if args.ErrorMsg.Valid {
		rec.Error = args.ErrorMsg.String
	}
	if args.PublishError.Valid {
		rec.PublishError = args.PublishError.String
	}
	rec.SubmittedAt = timePtr(args.SubmittedAt)
	rec.LastPolledAt = timePtr(args.LastPolledAt)
	rec.NextCheckAt = timePtr(args.NextCheckAt)
	rec.LeaseUntil = timePtr(args.LeaseUntil)
	rec.PublishedAt = timePtr(args.PublishedAt)
	rec.NotifiedAt = timePtr(args.NotifiedAt)
	rec.CancelAckedAt = timePtr(args.CancelAckedAt)
	rec.CompletedAt = timePtr(args.CompletedAt)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
