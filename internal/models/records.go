package models

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// GestationDays is the span between the last menstrual period and the due date.
const GestationDays = 280

// QuestionnaireFlags are the tracking flags for one questionnaire version.
type QuestionnaireFlags struct {
	Given     bool `json:"given"`
	Returned  bool `json:"returned"`
	Followup1 bool `json:"followup1"`
	Followup2 bool `json:"followup2"`
	Followup3 bool `json:"followup3"`
	Refused   bool `json:"refused"`
	PaperCopy bool `json:"paper_copy"`
}

// Has reports whether the flag for contact stage s is set.
func (f QuestionnaireFlags) Has(s Stage) bool {
	switch s {
	case StageGiven:
		return f.Given
	case StageFollowup1:
		return f.Followup1
	case StageFollowup2:
		return f.Followup2
	case StageFollowup3:
		return f.Followup3
	default:
		return false
	}
}

// Terminal reports whether no further contact is allowed for this questionnaire.
func (f QuestionnaireFlags) Terminal() bool {
	return f.Returned || f.Followup3 || f.Refused || f.PaperCopy
}

// Event reports whether the flag backing tracking event e is set.
func (f QuestionnaireFlags) Event(e Event) bool {
	switch e {
	case EventGiven:
		return f.Given
	case EventReturned:
		return f.Returned
	case EventFollowup1:
		return f.Followup1
	case EventFollowup2:
		return f.Followup2
	case EventFollowup3:
		return f.Followup3
	case EventRefused:
		return f.Refused
	case EventPaper:
		return f.PaperCopy
	default:
		return false
	}
}

// Set returns a copy of f with the flag for event e set.
func (f QuestionnaireFlags) Set(e Event) QuestionnaireFlags {
	switch e {
	case EventGiven:
		f.Given = true
	case EventReturned:
		f.Returned = true
	case EventFollowup1:
		f.Followup1 = true
	case EventFollowup2:
		f.Followup2 = true
	case EventFollowup3:
		f.Followup3 = true
	case EventRefused:
		f.Refused = true
	case EventPaper:
		f.PaperCopy = true
	}
	return f
}

// Withdrawal holds the withdrawal and outcome markers recorded in the follow-up log.
type Withdrawal struct {
	NoUse         bool `json:"no_use"`
	NoContact     bool `json:"no_contact"`
	NoAccess      bool `json:"no_access"`
	FetalDemise   bool `json:"fetal_demise"`
	NeonatalDeath bool `json:"neonatal_death"`
}

// Patient carries the identifying details copied onto every tracking entry.
type Patient struct {
	PatientID string `json:"patient_id"`
	FirstName string `json:"first_name"`
	Surname   string `json:"surname"`
}

// EnrollmentRow is one row of the enrolment log as read from the tracking store.
// Identifier and dates are kept raw; the registry parses and validates them.
type EnrollmentRow struct {
	RawID               string `json:"raw_id"`
	DueDate             string `json:"due_date"`
	PreviousParticipant bool   `json:"previous_participant"`
}

// FollowupRow is one row of the follow-up log. A subject usually has several.
type FollowupRow struct {
	RawID         string                `json:"raw_id"`
	Patient       Patient               `json:"patient"`
	VisitDate     string                `json:"visit_date,omitempty"`
	DeliveryDate  string                `json:"delivery_date,omitempty"`
	TwinBDelivery string                `json:"twin_b_delivery,omitempty"`
	Withdrawal    Withdrawal            `json:"withdrawal"`
	Flags         [3]QuestionnaireFlags `json:"flags"`
}

// FlagsFor returns the flags recorded on this row for version v.
func (r FollowupRow) FlagsFor(v Version) QuestionnaireFlags {
	if !v.Valid() {
		return QuestionnaireFlags{}
	}
	return r.Flags[v.Index()]
}

// Record is one enrolment row joined with one follow-up row. Dates that were absent
// in the source are the zero civil.Date, which reports IsValid() == false.
type Record struct {
	ID             string                `json:"id"`
	Patient        Patient               `json:"patient"`
	DueDate        civil.Date            `json:"due_date"`
	LastPeriodDate civil.Date            `json:"last_period_date"`
	VisitDate      civil.Date            `json:"visit_date"`
	DeliveryDate   civil.Date            `json:"delivery_date"`
	Flags          [3]QuestionnaireFlags `json:"flags"`
}

// FlagsFor returns the flags recorded on this record for version v.
func (r Record) FlagsFor(v Version) QuestionnaireFlags {
	if !v.Valid() {
		return QuestionnaireFlags{}
	}
	return r.Flags[v.Index()]
}

// Delivered reports whether a delivery date is recorded.
func (r Record) Delivered() bool {
	return r.DeliveryDate.IsValid()
}

// Completions maps a subject id to the date the questionnaire was completed.
type Completions map[string]civil.Date

// Contains reports whether id completed the questionnaire.
func (c Completions) Contains(id string) bool {
	_, ok := c[id]
	return ok
}

// TrackingEntry is one write to the follow-up log.
type TrackingEntry struct {
	SubjectID string     `json:"subject_id"`
	Patient   Patient    `json:"patient"`
	Version   Version    `json:"version"`
	Event     Event      `json:"event"`
	Date      civil.Date `json:"date"`
}

// Validate checks that the entry can be written.
func (e TrackingEntry) Validate() error {
	if e.SubjectID == "" {
		return ErrEmptySubjectID
	}
	if !e.Version.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, int(e.Version))
	}
	if !IsValidEvent(e.Event) {
		return fmt.Errorf("%w: %q", ErrInvalidEvent, e.Event)
	}
	if !e.Date.IsValid() {
		return ErrInvalidDate
	}
	return nil
}

// dateLayouts are the timestamp shapes seen in tracking and survey exports.
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"01/02/2006",
}

// ParseDate parses a date, dropping any time-of-day part. An empty string yields the
// zero date and no error.
func ParseDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return civil.Date{}, nil
	}
	if d, err := civil.ParseDate(s); err == nil {
		return d, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateOf(t), nil
		}
	}
	return civil.Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}
