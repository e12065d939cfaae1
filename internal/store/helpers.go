package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

// followupBaseColumns are the follow-up log columns ahead of the per-questionnaire flags.
var followupBaseColumns = []string{
	"obs_id", "patient_id", "first_name", "surname", "visit_date", "delivery_date", "twin_b_delivery",
	"no_use", "no_contact", "no_access", "fetal_demise", "neonatal_death",
}

// followupColumns lists every column read from the follow-up log, flags last in
// version then event order.
var followupColumns = func() []string {
	cols := append([]string(nil), followupBaseColumns...)
	for _, v := range models.Versions {
		for _, e := range models.Events {
			cols = append(cols, e.Column(v))
		}
	}
	return cols
}()

const selectEnrollmentQuery = `SELECT obs_id, due_date, previous_participant FROM enrolment_log ORDER BY id`

var selectFollowupQuery = `SELECT ` + strings.Join(followupColumns, ", ") + ` FROM followup_log ORDER BY id`

// insertFollowupQuery builds the insert for a tracking entry. The event column name
// comes from a validated entry, never from user input. placeholder renders the
// driver's bind parameter for position i (1-based).
func insertFollowupQuery(entry models.TrackingEntry, placeholder func(i int) string) string {
	cols := []string{"obs_id", "patient_id", "first_name", "surname", "visit_date", entry.Event.Column(entry.Version)}
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO followup_log (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(params, ", "))
}

// insertFollowupArgs returns the bind arguments matching insertFollowupQuery.
func insertFollowupArgs(entry models.TrackingEntry) []interface{} {
	return []interface{}{
		entry.SubjectID,
		nilIfEmpty(entry.Patient.PatientID),
		nilIfEmpty(entry.Patient.FirstName),
		nilIfEmpty(entry.Patient.Surname),
		entry.Date.String(),
		true,
	}
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func questionMark(int) string { return "?" }

func dollar(i int) string { return fmt.Sprintf("$%d", i) }

// scanEnrollmentRows reads every row of an enrolment query.
func scanEnrollmentRows(rows *sql.Rows) ([]models.EnrollmentRow, error) {
	var out []models.EnrollmentRow
	for rows.Next() {
		var id, due sql.NullString
		var previous sql.NullBool
		if err := rows.Scan(&id, &due, &previous); err != nil {
			return nil, fmt.Errorf("scan enrolment row failed: %w", err)
		}
		out = append(out, models.EnrollmentRow{RawID: id.String, DueDate: due.String, PreviousParticipant: previous.Bool})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrolment rows failed: %w", err)
	}
	return out, nil
}

// scanFollowupRows reads every row of a follow-up query built from followupColumns.
func scanFollowupRows(rows *sql.Rows) ([]models.FollowupRow, error) {
	var out []models.FollowupRow
	for rows.Next() {
		var text [7]sql.NullString
		var withdrawal [5]sql.NullBool
		var flags [3][7]sql.NullBool

		dest := make([]interface{}, 0, len(followupColumns))
		for i := range text {
			dest = append(dest, &text[i])
		}
		for i := range withdrawal {
			dest = append(dest, &withdrawal[i])
		}
		for v := range flags {
			for e := range flags[v] {
				dest = append(dest, &flags[v][e])
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan follow-up row failed: %w", err)
		}

		row := models.FollowupRow{
			RawID: text[0].String,
			Patient: models.Patient{
				PatientID: text[1].String,
				FirstName: text[2].String,
				Surname:   text[3].String,
			},
			VisitDate:     text[4].String,
			DeliveryDate:  text[5].String,
			TwinBDelivery: text[6].String,
			Withdrawal: models.Withdrawal{
				NoUse:         withdrawal[0].Bool,
				NoContact:     withdrawal[1].Bool,
				NoAccess:      withdrawal[2].Bool,
				FetalDemise:   withdrawal[3].Bool,
				NeonatalDeath: withdrawal[4].Bool,
			},
		}
		for v := range flags {
			for e, set := range flags[v] {
				if set.Bool {
					row.Flags[v] = row.Flags[v].Set(models.Events[e])
				}
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate follow-up rows failed: %w", err)
	}
	return out, nil
}
