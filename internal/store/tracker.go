package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

// sqlTracker implements the tracking log queries shared by the SQL backends.
type sqlTracker struct {
	db          *sql.DB
	name        string
	placeholder func(i int) string
	readOnly    bool
}

func (s *sqlTracker) FetchTables(ctx context.Context) ([]models.EnrollmentRow, []models.FollowupRow, error) {
	slog.Debug(s.name+" FetchTables invoked")

	rows, err := s.db.QueryContext(ctx, selectEnrollmentQuery)
	if err != nil {
		slog.Error(s.name+" FetchTables enrolment query failed", "error", err)
		return nil, nil, &models.PersistenceError{Op: "fetch enrolment log", Err: err}
	}
	enrollment, err := scanEnrollmentRows(rows)
	rows.Close()
	if err != nil {
		slog.Error(s.name+" FetchTables enrolment scan failed", "error", err)
		return nil, nil, &models.PersistenceError{Op: "fetch enrolment log", Err: err}
	}

	rows, err = s.db.QueryContext(ctx, selectFollowupQuery)
	if err != nil {
		slog.Error(s.name+" FetchTables follow-up query failed", "error", err)
		return nil, nil, &models.PersistenceError{Op: "fetch follow-up log", Err: err}
	}
	followup, err := scanFollowupRows(rows)
	rows.Close()
	if err != nil {
		slog.Error(s.name+" FetchTables follow-up scan failed", "error", err)
		return nil, nil, &models.PersistenceError{Op: "fetch follow-up log", Err: err}
	}

	slog.Debug(s.name+" FetchTables succeeded", "enrolment_rows", len(enrollment), "followup_rows", len(followup))
	return enrollment, followup, nil
}

func (s *sqlTracker) PersistStatus(ctx context.Context, entry models.TrackingEntry) error {
	if s.readOnly {
		return &models.PersistenceError{Op: "persist status", SubjectID: entry.SubjectID, Err: ErrReadOnly}
	}
	if err := entry.Validate(); err != nil {
		slog.Error(s.name+" PersistStatus invalid entry", "error", err, "subject_id", entry.SubjectID)
		return &models.PersistenceError{Op: "persist status", SubjectID: entry.SubjectID, Err: err}
	}
	query := insertFollowupQuery(entry, s.placeholder)
	if _, err := s.db.ExecContext(ctx, query, insertFollowupArgs(entry)...); err != nil {
		slog.Error(s.name+" PersistStatus failed", "error", err, "subject_id", entry.SubjectID, "version", entry.Version, "event", entry.Event)
		return &models.PersistenceError{Op: "persist status", SubjectID: entry.SubjectID, Err: err}
	}
	slog.Debug(s.name+" PersistStatus succeeded", "subject_id", entry.SubjectID, "version", entry.Version, "event", entry.Event, "date", entry.Date)
	return nil
}

func (s *sqlTracker) RecordRun(ctx context.Context, run models.RunRecord) error {
	if s.readOnly {
		return &models.PersistenceError{Op: "record run", Err: ErrReadOnly}
	}
	p := s.placeholder
	query := fmt.Sprintf(`INSERT INTO distribution_runs (id, started_at, finished_at, dry_run, sent, returned, failed, epds_followups)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`, p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8))
	_, err := s.db.ExecContext(ctx, query, run.ID, run.StartedAt, run.FinishedAt, run.DryRun,
		run.Sent, run.Returned, run.Failed, run.EPDSFollowups)
	if err != nil {
		slog.Error(s.name+" RecordRun failed", "error", err, "run_id", run.ID)
		return &models.PersistenceError{Op: "record run", Err: err}
	}
	slog.Debug(s.name+" RecordRun succeeded", "run_id", run.ID, "sent", run.Sent)
	return nil
}

// Close closes the database connection.
func (s *sqlTracker) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	} else {
		slog.Debug(s.name + " database connection closed successfully")
	}
	return err
}
