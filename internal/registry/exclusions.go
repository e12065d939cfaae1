package registry

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

// ExclusionRules selects which predicates put a subject on the exclusion list.
type ExclusionRules struct {
	PreviousParticipant bool // enrolled in an earlier pregnancy
	MultipleGestation   bool // a twin B delivery was recorded
	NoUse               bool // withdrew: no further use of data
	NoContact           bool // withdrew: no further contact
	NoAccess            bool // withdrew: no further access to records
	FetalDemise         bool // fetal demise or termination
	NeonatalDeath       bool
	MissingContact      bool // no e-mail or survey link on file
}

// DefaultExclusionRules are the rules used for the weekly distribution.
func DefaultExclusionRules() ExclusionRules {
	return ExclusionRules{
		NoUse:          true,
		NoContact:      true,
		NoAccess:       true,
		FetalDemise:    true,
		NeonatalDeath:  true,
		MissingContact: true,
	}
}

// ExclusionSet is a set of canonical subject ids.
type ExclusionSet map[string]struct{}

// NewExclusionSet returns a set holding ids.
func NewExclusionSet(ids ...string) ExclusionSet {
	s := make(ExclusionSet, len(ids))
	s.Add(ids...)
	return s
}

// Add inserts ids into the set.
func (s ExclusionSet) Add(ids ...string) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Contains reports whether id is excluded.
func (s ExclusionSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of excluded ids.
func (s ExclusionSet) Len() int {
	return len(s)
}

// IDs returns the excluded ids in ascending order.
func (s ExclusionSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids
}

// BuildExclusions assembles the exclusion set from the raw tracking tables.
// Rows whose id cannot be normalised are skipped.
func BuildExclusions(enrollment []models.EnrollmentRow, followup []models.FollowupRow, rules ExclusionRules) ExclusionSet {
	set := NewExclusionSet()

	if rules.PreviousParticipant {
		for _, row := range enrollment {
			if !row.PreviousParticipant {
				continue
			}
			if id, err := NormalizeID(row.RawID); err == nil {
				set.Add(id)
			}
		}
	}

	for _, row := range followup {
		w := row.Withdrawal
		excluded := (rules.NoUse && w.NoUse) ||
			(rules.NoContact && w.NoContact) ||
			(rules.NoAccess && w.NoAccess) ||
			(rules.FetalDemise && w.FetalDemise) ||
			(rules.NeonatalDeath && w.NeonatalDeath) ||
			(rules.MultipleGestation && strings.TrimSpace(row.TwinBDelivery) != "")
		if !excluded {
			continue
		}
		if id, err := NormalizeID(row.RawID); err == nil {
			set.Add(id)
		}
	}

	slog.Debug("registry.BuildExclusions", "excluded", set.Len(), "rules", rules)
	return set
}

// AddMissingContacts adds every registry subject for which hasContact is false and
// returns how many were added.
func (s ExclusionSet) AddMissingContacts(reg *Registry, hasContact func(id string) bool) int {
	added := 0
	for _, id := range reg.IDs() {
		if s.Contains(id) || hasContact(id) {
			continue
		}
		s.Add(id)
		added++
	}
	if added > 0 {
		slog.Info("registry: excluding subjects without contact details", "count", added)
	}
	return added
}
