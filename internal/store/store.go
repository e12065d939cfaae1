// Package store provides storage backends for the study tracking log.
//
// The tracking log is two tables: the enrolment log (one row per pregnancy) and the
// follow-up log (one row per recorded event). Every questionnaire event is a new
// follow-up row with the matching lsq<N>_<event> column set. The store also keeps a
// ledger of distribution runs.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

// Store is the tracking store collaborator used by a distribution run.
type Store interface {
	// FetchTables returns every enrolment and follow-up row.
	FetchTables(ctx context.Context) ([]models.EnrollmentRow, []models.FollowupRow, error)
	// PersistStatus appends one tracking entry to the follow-up log. Failures are
	// returned as *models.PersistenceError.
	PersistStatus(ctx context.Context, entry models.TrackingEntry) error
	// RecordRun appends a finished run to the ledger.
	RecordRun(ctx context.Context, run models.RunRecord) error
	// Close releases the underlying connection.
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN      string
	ReadOnly bool
}

// ErrReadOnly is returned by writes to a store opened with WithReadOnly.
var ErrReadOnly = errors.New("store opened read-only")

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithReadOnly opens an existing database without creating it, migrating it or
// writing to it.
func WithReadOnly() Option {
	return func(o *Opts) {
		o.ReadOnly = true
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and key/value connection
// strings, and "sqlite3" for anything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the store selected by dsn. An empty dsn yields an in-memory store.
func New(dsn string, opts ...Option) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(append([]Option{WithPostgresDSN(dsn)}, opts...)...)
	default:
		return NewSQLiteStore(append([]Option{WithSQLiteDSN(dsn)}, opts...)...)
	}
}

// InMemoryStore keeps the tracking log in memory. Used for tests and dry runs.
type InMemoryStore struct {
	mu         sync.Mutex
	enrollment []models.EnrollmentRow
	followup   []models.FollowupRow
	runs       []models.RunRecord
	// FailPersist, when set, is returned wrapped in a PersistenceError by PersistStatus.
	FailPersist error
}

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Seed replaces the tracking tables.
func (s *InMemoryStore) Seed(enrollment []models.EnrollmentRow, followup []models.FollowupRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollment = append([]models.EnrollmentRow(nil), enrollment...)
	s.followup = append([]models.FollowupRow(nil), followup...)
}

func (s *InMemoryStore) FetchTables(ctx context.Context) ([]models.EnrollmentRow, []models.FollowupRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EnrollmentRow(nil), s.enrollment...), append([]models.FollowupRow(nil), s.followup...), nil
}

func (s *InMemoryStore) PersistStatus(ctx context.Context, entry models.TrackingEntry) error {
	if err := entry.Validate(); err != nil {
		return &models.PersistenceError{Op: "persist status", SubjectID: entry.SubjectID, Err: err}
	}
	if s.FailPersist != nil {
		return &models.PersistenceError{Op: "persist status", SubjectID: entry.SubjectID, Err: s.FailPersist}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followup = append(s.followup, followupRowFor(entry))
	return nil
}

func (s *InMemoryStore) RecordRun(ctx context.Context, run models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// Entries returns the follow-up rows written through PersistStatus and Seed.
func (s *InMemoryStore) Entries() []models.FollowupRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FollowupRow(nil), s.followup...)
}

// Runs returns the recorded run ledger.
func (s *InMemoryStore) Runs() []models.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RunRecord(nil), s.runs...)
}

func (s *InMemoryStore) Close() error {
	return nil
}

// followupRowFor converts a tracking entry into the follow-up row it is stored as.
func followupRowFor(entry models.TrackingEntry) models.FollowupRow {
	row := models.FollowupRow{
		RawID:     entry.SubjectID,
		Patient:   entry.Patient,
		VisitDate: entry.Date.String(),
	}
	row.Flags[entry.Version.Index()] = row.Flags[entry.Version.Index()].Set(entry.Event)
	return row
}
