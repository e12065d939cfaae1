// Package registry builds the working set of study subjects for one distribution run.
//
// The registry joins the enrolment log with the follow-up log, derives the last
// menstrual period from the due date and drops subjects due before the study started
// tracking questionnaires. It is immutable once built; Exclude returns a new registry.
package registry

import (
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

// DefaultStudyStart is the earliest due date tracked. Questionnaire tracking began
// May 30, 2016.
var DefaultStudyStart = civil.Date{Year: 2016, Month: 5, Day: 30}

var nonDigit = regexp.MustCompile(`[^0-9]`)

// NormalizeID strips every non-digit character from raw and returns the canonical
// decimal form, so "OBS912-00001" and "91200001" name the same subject.
func NormalizeID(raw string) (string, error) {
	digits := nonDigit.ReplaceAllString(raw, "")
	if digits == "" {
		return "", models.ErrInvalidSubjectID
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(n, 10), nil
}

// CleanPatientID removes the ".0" artifacts left when a numeric hospital id was
// stored as a float.
func CleanPatientID(raw string) string {
	return strings.ReplaceAll(strings.TrimSpace(raw), ".0", "")
}

// Registry is the cleaned, joined and filtered subject table for a run.
type Registry struct {
	records  []models.Record
	patients map[string]models.Patient
}

type enrollment struct {
	dueDate civil.Date
}

// Build joins enrollment and followup on the normalised subject id and keeps records
// whose due date is on or after studyStart. Malformed rows are logged and dropped; a
// DataError is returned only when a non-empty table has no usable row at all.
func Build(enrollmentRows []models.EnrollmentRow, followupRows []models.FollowupRow, studyStart civil.Date) (*Registry, error) {
	slog.Debug("registry.Build invoked", "enrollment_rows", len(enrollmentRows), "followup_rows", len(followupRows), "study_start", studyStart)

	enrolled := make(map[string][]enrollment, len(enrollmentRows))
	valid := 0
	for i, row := range enrollmentRows {
		id, err := NormalizeID(row.RawID)
		if err != nil {
			logDropped("enrolment", i, err)
			continue
		}
		due, err := models.ParseDate(row.DueDate)
		if err != nil {
			logDropped("enrolment", i, err)
			continue
		}
		if !due.IsValid() {
			logDropped("enrolment", i, errors.New("missing due date"))
			continue
		}
		enrolled[id] = append(enrolled[id], enrollment{dueDate: due})
		valid++
	}
	if len(enrollmentRows) > 0 && valid == 0 {
		return nil, &models.DataError{Source: "enrolment", Row: -1, Err: models.ErrAllRowsMalformed}
	}

	reg := &Registry{patients: make(map[string]models.Patient)}
	valid = 0
	for i, row := range followupRows {
		id, err := NormalizeID(row.RawID)
		if err != nil {
			logDropped("followup", i, err)
			continue
		}
		visit, err := models.ParseDate(row.VisitDate)
		if err != nil {
			logDropped("followup", i, err)
			continue
		}
		delivery, err := models.ParseDate(row.DeliveryDate)
		if err != nil {
			logDropped("followup", i, err)
			continue
		}
		valid++

		patient := row.Patient
		patient.PatientID = CleanPatientID(patient.PatientID)
		for _, e := range enrolled[id] {
			if e.dueDate.Before(studyStart) {
				continue
			}
			reg.records = append(reg.records, models.Record{
				ID:             id,
				Patient:        patient,
				DueDate:        e.dueDate,
				LastPeriodDate: e.dueDate.AddDays(-models.GestationDays),
				VisitDate:      visit,
				DeliveryDate:   delivery,
				Flags:          row.Flags,
			})
			reg.patients[id] = patient
		}
	}
	if len(followupRows) > 0 && valid == 0 {
		return nil, &models.DataError{Source: "followup", Row: -1, Err: models.ErrAllRowsMalformed}
	}

	reg.sort()
	slog.Debug("registry.Build succeeded", "records", len(reg.records), "subjects", len(reg.patients))
	return reg, nil
}

// NewFromRecords builds a registry directly from already-joined records.
func NewFromRecords(records []models.Record) *Registry {
	reg := &Registry{
		records:  append([]models.Record(nil), records...),
		patients: make(map[string]models.Patient),
	}
	for _, r := range reg.records {
		reg.patients[r.ID] = r.Patient
	}
	reg.sort()
	return reg
}

func logDropped(source string, row int, err error) {
	slog.Warn("registry: dropping malformed row", "error", &models.DataError{Source: source, Row: row, Err: err})
}

// sort orders records by subject id, numerically, keeping input order within a subject.
func (r *Registry) sort() {
	sort.SliceStable(r.records, func(i, j int) bool {
		return lessID(r.records[i].ID, r.records[j].ID)
	})
}

// lessID orders canonical ids numerically.
func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// SortIDs sorts canonical subject ids in ascending numeric order.
func SortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
}

// Records returns a copy of the joined records in subject id order.
func (r *Registry) Records() []models.Record {
	return append([]models.Record(nil), r.records...)
}

// IDs returns the distinct subject ids in ascending order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.patients))
	for id := range r.patients {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids
}

// Len returns the number of distinct subjects.
func (r *Registry) Len() int {
	return len(r.patients)
}

// Contains reports whether id is in the registry.
func (r *Registry) Contains(id string) bool {
	_, ok := r.patients[id]
	return ok
}

// Patient returns the patient details recorded last for id.
func (r *Registry) Patient(id string) (models.Patient, bool) {
	p, ok := r.patients[id]
	return p, ok
}

// Exclude returns a new registry without the subjects in excluded.
func (r *Registry) Exclude(excluded ExclusionSet) *Registry {
	out := &Registry{patients: make(map[string]models.Patient, len(r.patients))}
	for _, rec := range r.records {
		if excluded.Contains(rec.ID) {
			continue
		}
		out.records = append(out.records, rec)
		out.patients[rec.ID] = r.patients[rec.ID]
	}
	slog.Debug("Registry.Exclude", "before", r.Len(), "after", out.Len(), "excluded", excluded.Len())
	return out
}

// GivenNotReturned returns subjects with a Given flag for v on some record and a
// Returned flag on none, in id order.
func (r *Registry) GivenNotReturned(v models.Version) []string {
	given := make(map[string]bool)
	returned := make(map[string]bool)
	for _, rec := range r.records {
		flags := rec.FlagsFor(v)
		if flags.Given {
			given[rec.ID] = true
		}
		if flags.Returned {
			returned[rec.ID] = true
		}
	}
	var ids []string
	for id := range given {
		if !returned[id] {
			ids = append(ids, id)
		}
	}
	SortIDs(ids)
	return ids
}
