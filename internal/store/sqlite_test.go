package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/LSQPipe/internal/models"
	"github.com/BTreeMap/LSQPipe/internal/testutil"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "tracking.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Fatal("expected error for missing DSN")
	}
}

func TestSQLiteStoreFetchTables(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	mustExec(t, s, `INSERT INTO enrolment_log (obs_id, due_date, previous_participant) VALUES ('OBS912-00001', '2024-01-01', 0)`)
	mustExec(t, s, `INSERT INTO enrolment_log (obs_id, due_date, previous_participant) VALUES ('OBS912-00002', NULL, 1)`)
	mustExec(t, s, `INSERT INTO followup_log (obs_id, patient_id, first_name, surname, visit_date, delivery_date, no_contact, lsq1_given, lsq1_returned)
		VALUES ('912-00001', '12345.0', 'Ann', 'Smith', '2023-09-01', '2024-01-02', 1, 1, 1)`)
	mustExec(t, s, `INSERT INTO followup_log (obs_id, twin_b_delivery, lsq3_paper) VALUES ('912-00002', '2024-01-03', 1)`)

	enrollment, followup, err := s.FetchTables(ctx)
	if err != nil {
		t.Fatalf("FetchTables failed: %v", err)
	}

	if len(enrollment) != 2 {
		t.Fatalf("expected 2 enrolment rows, got %d", len(enrollment))
	}
	if enrollment[0].RawID != "OBS912-00001" || enrollment[0].DueDate != "2024-01-01" || enrollment[0].PreviousParticipant {
		t.Errorf("enrolment[0] = %+v", enrollment[0])
	}
	if enrollment[1].DueDate != "" || !enrollment[1].PreviousParticipant {
		t.Errorf("enrolment[1] = %+v", enrollment[1])
	}

	if len(followup) != 2 {
		t.Fatalf("expected 2 follow-up rows, got %d", len(followup))
	}
	first := followup[0]
	if first.Patient.PatientID != "12345.0" || first.Patient.Surname != "Smith" || first.DeliveryDate != "2024-01-02" {
		t.Errorf("follow-up[0] = %+v", first)
	}
	if !first.Withdrawal.NoContact || first.Withdrawal.NoUse {
		t.Errorf("withdrawal = %+v", first.Withdrawal)
	}
	if f := first.FlagsFor(models.LSQ1); !f.Given || !f.Returned || f.Followup1 {
		t.Errorf("LSQ1 flags = %+v", f)
	}
	second := followup[1]
	if second.TwinBDelivery != "2024-01-03" || !second.FlagsFor(models.LSQ3).PaperCopy || second.Patient.FirstName != "" {
		t.Errorf("follow-up[1] = %+v", second)
	}
}

func TestSQLiteStorePersistStatus(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := models.TrackingEntry{
		SubjectID: "91200001",
		Patient:   models.Patient{PatientID: "12345", FirstName: "Ann", Surname: "Smith"},
		Version:   models.LSQ2,
		Event:     models.EventFollowup2,
		Date:      testutil.Today,
	}
	if err := s.PersistStatus(ctx, entry); err != nil {
		t.Fatalf("PersistStatus failed: %v", err)
	}

	_, followup, err := s.FetchTables(ctx)
	if err != nil {
		t.Fatalf("FetchTables failed: %v", err)
	}
	if len(followup) != 1 {
		t.Fatalf("expected 1 row, got %d", len(followup))
	}
	row := followup[0]
	if row.RawID != "91200001" || row.VisitDate != "2024-06-17" || row.Patient.FirstName != "Ann" {
		t.Errorf("row = %+v", row)
	}
	want := models.QuestionnaireFlags{Followup2: true}
	if row.FlagsFor(models.LSQ2) != want {
		t.Errorf("LSQ2 flags = %+v", row.FlagsFor(models.LSQ2))
	}
	if row.FlagsFor(models.LSQ1) != (models.QuestionnaireFlags{}) {
		t.Errorf("LSQ1 flags should be clear, got %+v", row.FlagsFor(models.LSQ1))
	}
}

func TestSQLiteStorePersistStatusRejectsInvalidEntry(t *testing.T) {
	s := newTestSQLiteStore(t)
	err := s.PersistStatus(context.Background(), models.TrackingEntry{SubjectID: "1", Version: models.LSQ1, Event: "given; DROP TABLE followup_log", Date: testutil.Today})
	var pe *models.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestSQLiteStoreClosedConnection(t *testing.T) {
	s := newTestSQLiteStore(t)
	s.Close()

	var pe *models.PersistenceError
	if _, _, err := s.FetchTables(context.Background()); !errors.As(err, &pe) {
		t.Errorf("expected PersistenceError from FetchTables, got %v", err)
	}
	err := s.PersistStatus(context.Background(), models.TrackingEntry{SubjectID: "1", Version: models.LSQ1, Event: models.EventGiven, Date: testutil.Today})
	if !errors.As(err, &pe) {
		t.Errorf("expected PersistenceError from PersistStatus, got %v", err)
	}
}

func TestSQLiteStoreRecordRun(t *testing.T) {
	s := newTestSQLiteStore(t)
	run := models.RunRecord{
		ID:         "0b7c2a3e-1111-4c6e-9a55-000000000001",
		StartedAt:  testutil.TodayTime,
		FinishedAt: testutil.TodayTime.Add(time.Minute),
		Sent:       4,
		Returned:   2,
	}
	if err := s.RecordRun(context.Background(), run); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}
	var sent, returned int
	if err := s.db.QueryRow(`SELECT sent, returned FROM distribution_runs WHERE id = ?`, run.ID).Scan(&sent, &returned); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if sent != 4 || returned != 2 {
		t.Errorf("sent=%d returned=%d", sent, returned)
	}

	if err := s.RecordRun(context.Background(), run); err == nil {
		t.Error("expected duplicate run id to fail")
	}
}

func TestSQLiteStoreReadOnly(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tracking.db")
	rw, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	mustExec(t, rw, `INSERT INTO enrolment_log (obs_id, due_date, previous_participant) VALUES ('OBS912-00001', '2024-01-01', 0)`)
	rw.Close()

	s, err := New(dbPath, WithReadOnly())
	if err != nil {
		t.Fatalf("read-only New failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	enrollment, _, err := s.FetchTables(ctx)
	if err != nil || len(enrollment) != 1 {
		t.Fatalf("FetchTables = %d rows, %v", len(enrollment), err)
	}
	entry := models.TrackingEntry{SubjectID: "91200001", Version: models.LSQ1, Event: models.EventGiven, Date: testutil.Today}
	if err := s.PersistStatus(ctx, entry); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly from PersistStatus, got %v", err)
	}
	if err := s.RecordRun(ctx, models.RunRecord{ID: "run"}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly from RecordRun, got %v", err)
	}
}

func TestSQLiteStoreReadOnlyMissingFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state", "tracking.db")
	if _, err := NewSQLiteStore(WithSQLiteDSN(dbPath), WithReadOnly()); err == nil {
		t.Fatal("expected error for missing database")
	}
	if _, err := os.Stat(filepath.Dir(dbPath)); !os.IsNotExist(err) {
		t.Errorf("read-only open should not create directories, stat err: %v", err)
	}
}

func mustExec(t *testing.T, s *SQLiteStore, query string) {
	t.Helper()
	if _, err := s.db.Exec(query); err != nil {
		t.Fatalf("exec %q failed: %v", query, err)
	}
}
