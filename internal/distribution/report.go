package distribution

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/BTreeMap/LSQPipe/internal/engine"
	"github.com/BTreeMap/LSQPipe/internal/epds"
	"github.com/BTreeMap/LSQPipe/internal/models"
)

// Failure is a subject who was due a contact but could not be reached.
type Failure struct {
	SubjectID string
	Key       models.StatusKey
	Err       error
}

// Report describes what a run decided and did.
type Report struct {
	RunID    string
	Date     civil.Date
	DryRun   bool
	Excluded int

	// Returned lists, per version, the subjects newly found to have completed it.
	Returned map[models.Version][]string
	// Statuses is the reduced status assignment per version.
	Statuses map[models.Version]engine.Assignment

	Planned  int // subjects assigned a status
	Sent     int // subjects contacted and recorded
	Failures []Failure

	EPDSFollowups []epds.Followup
	// Unscreened lists newly returned subjects whose EPDS answers could not be fetched or scored.
	Unscreened map[models.Version][]string
}

func newReport(id string, today civil.Date, dryRun bool) *Report {
	return &Report{
		RunID:      id,
		Date:       today,
		DryRun:     dryRun,
		Returned:   make(map[models.Version][]string),
		Statuses:   make(map[models.Version]engine.Assignment),
		Unscreened: make(map[models.Version][]string),
	}
}

func (r *Report) fail(id string, key models.StatusKey, err error) {
	r.Failures = append(r.Failures, Failure{SubjectID: id, Key: key, Err: err})
}

// Labels flattens the statuses into "LSQ(v)Stage" keyed id lists.
func (r *Report) Labels() map[string][]string {
	out := make(map[string][]string)
	for _, a := range r.Statuses {
		for label, ids := range a.Labels() {
			out[label] = ids
		}
	}
	return out
}

// ReturnedCount is the number of newly returned questionnaires across versions.
func (r *Report) ReturnedCount() int {
	n := 0
	for _, ids := range r.Returned {
		n += len(ids)
	}
	return n
}

// AlertBody renders the EPDS alert, noting any subjects that could not be screened.
func (r *Report) AlertBody() string {
	body := epds.AlertBody(r.EPDSFollowups)
	var b strings.Builder
	for _, v := range models.Versions {
		if ids := r.Unscreened[v]; len(ids) > 0 {
			fmt.Fprintf(&b, "EPDS answers for %s could not be retrieved or scored; screen manually: %s\n", v, strings.Join(ids, ", "))
		}
	}
	if b.Len() == 0 {
		return body
	}
	return body + "\n" + b.String()
}

// RunRecord converts the report into a ledger entry.
func (r *Report) RunRecord(started, finished time.Time) models.RunRecord {
	return models.RunRecord{
		ID:            r.RunID,
		StartedAt:     started,
		FinishedAt:    finished,
		DryRun:        r.DryRun,
		Sent:          r.Sent,
		Returned:      r.ReturnedCount(),
		Failed:        len(r.Failures),
		EPDSFollowups: len(r.EPDSFollowups),
	}
}
