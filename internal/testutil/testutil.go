// Package testutil provides common test fixtures and helpers for LSQPipe tests.
package testutil

import (
	"reflect"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

// Today is the pinned "today" most tests run against.
var Today = civil.Date{Year: 2024, Month: 6, Day: 17}

// TodayTime is Today at noon local time, for clocks.
var TodayTime = time.Date(2024, 6, 17, 12, 0, 0, 0, time.Local)

// MustDate parses an ISO date and fails the test on error.
func MustDate(t *testing.T, s string) civil.Date {
	t.Helper()
	d, err := civil.ParseDate(s)
	if err != nil {
		t.Fatalf("bad test date %q: %v", s, err)
	}
	return d
}

// DaysAgo returns the ISO date n days before Today.
func DaysAgo(n int) string {
	return Today.AddDays(-n).String()
}

// Enrollment builds an enrolment row with the given raw id and due date.
func Enrollment(rawID, due string) models.EnrollmentRow {
	return models.EnrollmentRow{RawID: rawID, DueDate: due}
}

// Followup builds a follow-up row with patient details derived from the id.
func Followup(rawID, visit string) models.FollowupRow {
	return models.FollowupRow{
		RawID:     rawID,
		Patient:   models.Patient{PatientID: "MRN" + rawID, FirstName: "First" + rawID, Surname: "Last" + rawID},
		VisitDate: visit,
	}
}

// WithFlags returns row with flags for version v set from events.
func WithFlags(row models.FollowupRow, v models.Version, events ...models.Event) models.FollowupRow {
	flags := row.Flags[v.Index()]
	for _, e := range events {
		flags = flags.Set(e)
	}
	row.Flags[v.Index()] = flags
	return row
}

// Record builds an already-joined record for engine tests. The due date is chosen so
// that the last menstrual period falls on lmp.
func Record(id string, lmp civil.Date) models.Record {
	return models.Record{
		ID:             id,
		Patient:        models.Patient{PatientID: "MRN" + id, FirstName: "First" + id, Surname: "Last" + id},
		DueDate:        lmp.AddDays(models.GestationDays),
		LastPeriodDate: lmp,
	}
}

// Flag returns r with the given events set for version v and the visit date set.
func Flag(r models.Record, v models.Version, visit civil.Date, events ...models.Event) models.Record {
	flags := r.Flags[v.Index()]
	for _, e := range events {
		flags = flags.Set(e)
	}
	r.Flags[v.Index()] = flags
	r.VisitDate = visit
	return r
}

// AssertIDs fails the test when got and want differ. A nil and an empty slice are equal.
func AssertIDs(t *testing.T, context string, got, want []string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s: got %v, want %v", context, got, want)
	}
}
