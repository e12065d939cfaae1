// Package distribution runs one end-to-end weekly questionnaire distribution.
//
// A run reads the tracking log, builds the subject registry, works out who is due a
// questionnaire or a reminder, e-mails them their survey link and password, records
// every contact back into the tracking log and finally notifies study staff with a
// summary and the EPDS screening alert.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/BTreeMap/LSQPipe/internal/contacts"
	"github.com/BTreeMap/LSQPipe/internal/engine"
	"github.com/BTreeMap/LSQPipe/internal/epds"
	"github.com/BTreeMap/LSQPipe/internal/messaging"
	"github.com/BTreeMap/LSQPipe/internal/models"
	"github.com/BTreeMap/LSQPipe/internal/redcap"
	"github.com/BTreeMap/LSQPipe/internal/registry"
	"github.com/BTreeMap/LSQPipe/internal/store"
	"github.com/BTreeMap/LSQPipe/internal/util"
)

const (
	// SummarySubject is the subject of the staff notification sent after every run.
	SummarySubject = "Successful Weekly Distribution"
	// EPDSAlertSubject is the subject of the clinical alert.
	EPDSAlertSubject = "EPDS Followup"
	// DefaultSendDelay spaces consecutive e-mails so the mail server does not throttle.
	DefaultSendDelay = 10 * time.Second
)

// ErrNoContact is recorded when a due subject has no e-mail or survey link for the
// questionnaire.
var ErrNoContact = errors.New("no e-mail address or survey link on file")

// CompletionSource supplies survey completions and screening answers. *redcap.Client
// implements it.
type CompletionSource interface {
	FetchCompletions(ctx context.Context, v models.Version) (models.Completions, error)
	FetchResponses(ctx context.Context, v models.Version, fields []string) (map[string][]string, error)
}

// Directory looks up participant contact details. *contacts.Directory implements it.
type Directory interface {
	Has(id string) bool
	Lookup(id string) (contacts.Contact, bool)
}

// Config holds the study parameters for a run.
type Config struct {
	Engine            engine.Config
	Exclusions        registry.ExclusionRules
	StudyStart        civil.Date
	EPDSCutoff        int
	SendDelay         time.Duration
	NotificationEmail string // "a@x; b@y" list
	EPDSFollowupEmail string
	StaffSMSNumbers   string
	DryRun            bool
}

// DefaultConfig returns the configuration of the weekly distribution.
func DefaultConfig() Config {
	return Config{
		Engine:     engine.DefaultConfig(),
		Exclusions: registry.DefaultExclusionRules(),
		StudyStart: registry.DefaultStudyStart,
		EPDSCutoff: epds.DefaultCutoff,
		SendDelay:  DefaultSendDelay,
	}
}

// Validate checks the configuration before anything is read or sent.
func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if c.EPDSCutoff <= 0 {
		return &models.ConfigError{Key: "EPDS_CUTOFF", Err: fmt.Errorf("must be positive, got %d", c.EPDSCutoff)}
	}
	if c.SendDelay < 0 {
		return &models.ConfigError{Key: "SEND_DELAY", Err: fmt.Errorf("must not be negative, got %s", c.SendDelay)}
	}
	return nil
}

// Runner performs distribution runs. A Runner is safe to reuse for consecutive runs
// but not for concurrent ones; the scheduler serialises them.
type Runner struct {
	store       store.Store
	completions CompletionSource
	contacts    Directory
	email       messaging.Service
	sms         messaging.Service
	composer    *messaging.Composer
	clock       util.Clock
	cfg         Config
	newID       func() string
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(r *Runner) { r.cfg = cfg }
}

// WithClock sets the clock "today" is taken from.
func WithClock(c util.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithSMS sends the EPDS alert to StaffSMSNumbers through s as well as by e-mail.
func WithSMS(s messaging.Service) Option {
	return func(r *Runner) { r.sms = s }
}

// WithComposer sets the participant message templates.
func WithComposer(c *messaging.Composer) Option {
	return func(r *Runner) { r.composer = c }
}

// NewRunner builds a Runner. src may be nil, in which case no questionnaire is ever
// treated as completed and no EPDS screening happens.
func NewRunner(st store.Store, src CompletionSource, dir Directory, email messaging.Service, opts ...Option) *Runner {
	r := &Runner{
		store:       st,
		completions: src,
		contacts:    dir,
		email:       email,
		composer:    messaging.NewComposer(""),
		clock:       util.SystemClock(),
		cfg:         DefaultConfig(),
		newID:       uuid.NewString,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one distribution. A ConfigError is returned before anything is read.
// Delivery failures are recorded in the report and do not stop the run; a
// PersistenceError does, and the partial report is returned with it.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if err := r.cfg.Validate(); err != nil {
		slog.Error("Runner.Run: invalid configuration", "error", err)
		return nil, err
	}

	started := r.clock.Now()
	today := civil.DateOf(started)
	report := newReport(r.newID(), today, r.cfg.DryRun)
	slog.Info("Runner.Run started", "run_id", report.RunID, "today", today, "dry_run", r.cfg.DryRun)

	reg, completions, err := r.prepare(ctx, report)
	if err != nil {
		return nil, err
	}

	var assignments [3]engine.Assignment
	for _, v := range models.Versions {
		a, err := engine.ComputeStatus(reg, v, completions[v], r.cfg.Engine, today)
		if err != nil {
			slog.Error("Runner.Run: status computation failed", "version", v, "error", err)
			return nil, err
		}
		assignments[v.Index()] = a
	}
	a1, a2 := engine.ReduceAcrossVersions(assignments[0], assignments[1], assignments[2])
	report.Statuses[models.LSQ1] = a1
	report.Statuses[models.LSQ2] = a2
	report.Statuses[models.LSQ3] = assignments[2]
	for _, a := range report.Statuses {
		report.Planned += a.Len()
	}

	if err := r.writeReturned(ctx, reg, completions, report); err != nil {
		return report, err
	}
	if err := r.distribute(ctx, reg, today, report); err != nil {
		return report, err
	}

	r.notify(ctx, r.email, r.cfg.NotificationEmail, SummarySubject, fmt.Sprintf("Number of LSQs sent: %d", report.Sent))
	r.screen(ctx, report)
	alert := report.AlertBody()
	r.notify(ctx, r.email, r.cfg.EPDSFollowupEmail, EPDSAlertSubject, alert)
	if r.sms != nil && len(report.EPDSFollowups) > 0 {
		r.notify(ctx, r.sms, r.cfg.StaffSMSNumbers, EPDSAlertSubject, alert)
	}

	finished := r.clock.Now()
	if !r.cfg.DryRun {
		if err := r.store.RecordRun(ctx, report.RunRecord(started, finished)); err != nil {
			slog.Error("Runner.Run: failed to record run", "run_id", report.RunID, "error", err)
			return report, err
		}
	}
	slog.Info("Runner.Run finished", "run_id", report.RunID, "planned", report.Planned, "sent", report.Sent,
		"failed", len(report.Failures), "epds_followups", len(report.EPDSFollowups), "duration", finished.Sub(started))
	return report, nil
}

// prepare builds the filtered registry and the per-version completions, and records
// the newly returned subjects.
func (r *Runner) prepare(ctx context.Context, report *Report) (*registry.Registry, map[models.Version]models.Completions, error) {
	enrollment, followup, err := r.store.FetchTables(ctx)
	if err != nil {
		slog.Error("Runner.Run: failed to fetch tracking tables", "error", err)
		return nil, nil, err
	}
	reg, err := registry.Build(enrollment, followup, r.cfg.StudyStart)
	if err != nil {
		slog.Error("Runner.Run: failed to build registry", "error", err)
		return nil, nil, err
	}

	excluded := registry.BuildExclusions(enrollment, followup, r.cfg.Exclusions)
	if r.cfg.Exclusions.MissingContact {
		excluded.AddMissingContacts(reg, r.contacts.Has)
	}
	before := reg.Len()
	reg = reg.Exclude(excluded)
	report.Excluded = before - reg.Len()
	slog.Debug("Runner.Run: registry ready", "subjects", reg.Len(), "excluded", report.Excluded)

	completions := make(map[models.Version]models.Completions, len(models.Versions))
	for _, v := range models.Versions {
		c, err := r.fetchCompletions(ctx, v)
		if err != nil {
			return nil, nil, err
		}
		completions[v] = c
		for _, id := range reg.GivenNotReturned(v) {
			if c.Contains(id) {
				report.Returned[v] = append(report.Returned[v], id)
			}
		}
	}
	return reg, completions, nil
}

func (r *Runner) fetchCompletions(ctx context.Context, v models.Version) (models.Completions, error) {
	if r.completions == nil {
		return models.Completions{}, nil
	}
	c, err := r.completions.FetchCompletions(ctx, v)
	if errors.Is(err, redcap.ErrNoToken) {
		slog.Warn("Runner.Run: no completion source for questionnaire, treating as none completed", "version", v)
		return models.Completions{}, nil
	}
	if err != nil {
		slog.Error("Runner.Run: failed to fetch completions", "version", v, "error", err)
		return nil, err
	}
	return c, nil
}

// writeReturned records a Returned event, dated on completion, for every newly
// returned subject.
func (r *Runner) writeReturned(ctx context.Context, reg *registry.Registry, completions map[models.Version]models.Completions, report *Report) error {
	if r.cfg.DryRun {
		return nil
	}
	for _, v := range models.Versions {
		for _, id := range report.Returned[v] {
			patient, _ := reg.Patient(id)
			entry := models.TrackingEntry{SubjectID: id, Patient: patient, Version: v, Event: models.EventReturned, Date: completions[v][id]}
			if err := r.store.PersistStatus(ctx, entry); err != nil {
				slog.Error("Runner.Run: failed to record returned questionnaire", "subject_id", id, "version", v, "error", err)
				return err
			}
		}
	}
	return nil
}

// distribute contacts every assigned subject, version by version and stage by stage,
// in ascending id order.
func (r *Runner) distribute(ctx context.Context, reg *registry.Registry, today civil.Date, report *Report) error {
	if r.cfg.DryRun {
		return nil
	}
	for _, v := range models.Versions {
		a := report.Statuses[v]
		for _, stage := range models.Stages {
			key := models.StatusKey{Version: v, Stage: stage}
			for _, id := range a.IDs(stage) {
				if err := r.contact(ctx, reg, key, id, today, report); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// contact sends the link and password messages to one subject and records the contact.
// Only persistence and cancellation errors are returned.
func (r *Runner) contact(ctx context.Context, reg *registry.Registry, key models.StatusKey, id string, today civil.Date, report *Report) error {
	c, ok := r.contacts.Lookup(id)
	link, hasLink := c.LinkFor(key.Version)
	if !ok || c.Email == "" || !hasLink {
		report.fail(id, key, &models.DeliveryError{Recipient: id, Err: ErrNoContact})
		return nil
	}

	messages := make([]messaging.Message, 0, 2)
	subject, body, err := r.composer.LinkMessage(key, link.URL)
	if err != nil {
		report.fail(id, key, err)
		return nil
	}
	messages = append(messages, messaging.Message{To: c.Email, Subject: subject, Body: body})
	subject, body, err = r.composer.PasswordMessage(key, link.Password)
	if err != nil {
		report.fail(id, key, err)
		return nil
	}
	messages = append(messages, messaging.Message{To: c.Email, Subject: subject, Body: body})

	for _, m := range messages {
		if err := r.email.SendMessage(ctx, m.To, m.Subject, m.Body); err != nil {
			slog.Warn("Runner.Run: delivery failed, tracking not updated", "subject_id", id, "status", key, "error", err)
			report.fail(id, key, err)
			return nil
		}
		if err := r.sleep(ctx, r.cfg.SendDelay); err != nil {
			return err
		}
	}

	patient, _ := reg.Patient(id)
	entry := models.TrackingEntry{SubjectID: id, Patient: patient, Version: key.Version, Event: key.Stage.Event(), Date: today}
	if err := r.store.PersistStatus(ctx, entry); err != nil {
		slog.Error("Runner.Run: failed to record contact", "subject_id", id, "status", key, "error", err)
		return err
	}
	report.Sent++
	slog.Debug("Runner.Run: contacted", "subject_id", id, "status", key)
	return nil
}

// screen scores the EPDS answers of newly returned LSQ2 and LSQ3 subjects.
func (r *Runner) screen(ctx context.Context, report *Report) {
	for _, v := range []models.Version{models.LSQ2, models.LSQ3} {
		ids := report.Returned[v]
		if len(ids) == 0 {
			continue
		}
		scale, _ := epds.ScaleFor(v)
		if r.completions == nil {
			report.Unscreened[v] = ids
			continue
		}
		responses, err := r.completions.FetchResponses(ctx, v, scale.Fields())
		if err != nil {
			slog.Error("Runner.Run: failed to fetch EPDS responses", "version", v, "error", err)
			report.Unscreened[v] = ids
			continue
		}
		followups, unscored := epds.Screen(ids, responses, scale, r.cfg.EPDSCutoff)
		report.EPDSFollowups = append(report.EPDSFollowups, followups...)
		report.Unscreened[v] = append(report.Unscreened[v], unscored...)
	}
}

// notify sends a staff message. Failures are logged; they never fail the run.
func (r *Runner) notify(ctx context.Context, svc messaging.Service, to, subject, body string) {
	if r.cfg.DryRun || strings.TrimSpace(to) == "" {
		slog.Debug("Runner.Run: staff notification skipped", "subject", subject, "dry_run", r.cfg.DryRun)
		return
	}
	if err := svc.SendMessage(ctx, to, subject, body); err != nil {
		slog.Error("Runner.Run: staff notification failed", "subject", subject, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
