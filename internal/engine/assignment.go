package engine

import (
	"github.com/BTreeMap/LSQPipe/internal/models"
	"github.com/BTreeMap/LSQPipe/internal/registry"
)

// Assignment is the status partition for one questionnaire version. Each subject id
// appears in at most one stage bucket. The zero value is an empty assignment.
type Assignment struct {
	Version models.Version
	buckets map[models.Stage][]string
}

func newAssignment(v models.Version, stageOf map[string]models.Stage) Assignment {
	a := Assignment{Version: v, buckets: make(map[models.Stage][]string)}
	for id, stage := range stageOf {
		a.buckets[stage] = append(a.buckets[stage], id)
	}
	for _, ids := range a.buckets {
		registry.SortIDs(ids)
	}
	return a
}

// IDs returns the subjects assigned to stage, in ascending id order.
func (a Assignment) IDs(stage models.Stage) []string {
	return append([]string(nil), a.buckets[stage]...)
}

// Stage returns the stage id is assigned to.
func (a Assignment) Stage(id string) (models.Stage, bool) {
	for _, stage := range models.Stages {
		for _, got := range a.buckets[stage] {
			if got == id {
				return stage, true
			}
		}
	}
	return 0, false
}

// Contains reports whether id has any status.
func (a Assignment) Contains(id string) bool {
	_, ok := a.Stage(id)
	return ok
}

// All returns every assigned subject in ascending id order.
func (a Assignment) All() []string {
	var ids []string
	for _, stage := range models.Stages {
		ids = append(ids, a.buckets[stage]...)
	}
	registry.SortIDs(ids)
	return ids
}

// Len returns the number of assigned subjects.
func (a Assignment) Len() int {
	n := 0
	for _, ids := range a.buckets {
		n += len(ids)
	}
	return n
}

// Without returns a copy of a with the given subjects removed from every bucket.
func (a Assignment) Without(remove func(id string) bool) Assignment {
	out := Assignment{Version: a.Version, buckets: make(map[models.Stage][]string, len(a.buckets))}
	for stage, ids := range a.buckets {
		for _, id := range ids {
			if !remove(id) {
				out.buckets[stage] = append(out.buckets[stage], id)
			}
		}
	}
	return out
}

// Labels renders the assignment keyed by status label, e.g. "LSQ(1)Followup2".
// Empty buckets are omitted.
func (a Assignment) Labels() map[string][]string {
	out := make(map[string][]string)
	for _, stage := range models.Stages {
		if ids := a.buckets[stage]; len(ids) > 0 {
			out[models.StatusKey{Version: a.Version, Stage: stage}.String()] = append([]string(nil), ids...)
		}
	}
	return out
}

// ReduceAcrossVersions enforces v3 > v2 > v1 precedence. Subjects with any v3 status
// are removed from v1 and v2, then subjects with any v2 status are removed from v1.
// a3 is never modified.
func ReduceAcrossVersions(a1, a2, a3 Assignment) (Assignment, Assignment) {
	r2 := a2.Without(a3.Contains)
	r1 := a1.Without(func(id string) bool {
		return a3.Contains(id) || r2.Contains(id)
	})
	return r1, r2
}
