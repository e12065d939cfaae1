// Package engine decides, for each questionnaire version, which subjects are due to be
// sent the questionnaire and which are due a reminder.
//
// ComputeStatus is a pure function of the registry, the completion record, the
// configuration and today's date. It evaluates every joined record independently and
// combines the results per subject, so a subject with several follow-up rows is handled
// the same way regardless of row order.
package engine

import (
	"log/slog"

	"cloud.google.com/go/civil"

	"github.com/BTreeMap/LSQPipe/internal/models"
	"github.com/BTreeMap/LSQPipe/internal/registry"
)

// ComputeStatus partitions the subjects in reg into the four contact stages for
// version v. Subjects that qualify for several stages keep only the highest. A nil
// completions map is treated as empty. The only error is a ConfigError.
func ComputeStatus(reg *registry.Registry, v models.Version, completions models.Completions, cfg Config, today civil.Date) (Assignment, error) {
	if !v.Valid() {
		return Assignment{}, &models.ConfigError{Key: "version", Err: models.ErrInvalidVersion}
	}
	rule, err := cfg.Rule(v)
	if err != nil {
		slog.Error("engine.ComputeStatus config invalid", "version", v, "error", err)
		return Assignment{}, err
	}
	if cfg.FollowupDays <= 0 {
		return Assignment{}, &models.ConfigError{Key: "LSQ_FOLLOWUP_DAYS", Err: errFollowupInterval}
	}

	records := reg.Records()
	noFollowup := noFollowupSet(records, v, completions, cfg.FollowupDays, today)

	stageOf := make(map[string]models.Stage)
	promote := func(id string, stage models.Stage) {
		if current, ok := stageOf[id]; !ok || stage > current {
			stageOf[id] = stage
		}
	}

	for _, id := range givenCandidates(records, v, rule, noFollowup, today) {
		promote(id, models.StageGiven)
	}

	for _, r := range records {
		if noFollowup[r.ID] {
			continue
		}
		flags := r.FlagsFor(v)
		for _, from := range models.Stages {
			to, ok := from.Next()
			if !ok || !flags.Has(from) {
				continue
			}
			if dueForContact(r.VisitDate, cfg.FollowupDays, today) {
				promote(r.ID, to)
			}
		}
	}

	a := newAssignment(v, stageOf)
	slog.Debug("engine.ComputeStatus", "version", v, "today", today, "records", len(records),
		"no_followup", len(noFollowup), "given", len(a.buckets[models.StageGiven]),
		"followup1", len(a.buckets[models.StageFollowup1]), "followup2", len(a.buckets[models.StageFollowup2]),
		"followup3", len(a.buckets[models.StageFollowup3]))
	return a, nil
}

// noFollowupSet returns subjects that must not be contacted about v this run: those in
// a terminal state, those who completed the questionnaire, and those contacted within
// the last followupDays days at any stage.
func noFollowupSet(records []models.Record, v models.Version, completions models.Completions, followupDays int, today civil.Date) map[string]bool {
	set := make(map[string]bool)
	for _, r := range records {
		flags := r.FlagsFor(v)
		if flags.Terminal() || completions.Contains(r.ID) {
			set[r.ID] = true
			continue
		}
		for _, stage := range models.Stages {
			if flags.Has(stage) && contactedRecently(r.VisitDate, followupDays, today) {
				set[r.ID] = true
				break
			}
		}
	}
	return set
}

// givenCandidates returns subjects newly due the questionnaire. A subject already
// given v on any record is never given it again. For delivery anchored versions a
// delivered subject is evaluated only against its delivery date.
func givenCandidates(records []models.Record, v models.Version, rule Rule, noFollowup map[string]bool, today civil.Date) []string {
	alreadyGiven := make(map[string]bool)
	delivered := make(map[string]civil.Date)
	for _, r := range records {
		if r.FlagsFor(v).Given {
			alreadyGiven[r.ID] = true
		}
		if r.Delivered() {
			if d, ok := delivered[r.ID]; !ok || r.DeliveryDate.After(d) {
				delivered[r.ID] = r.DeliveryDate
			}
		}
	}

	due := make(map[string]bool)
	for _, r := range records {
		if noFollowup[r.ID] || alreadyGiven[r.ID] || due[r.ID] {
			continue
		}
		if rule.DeliveryAnchored {
			if d, ok := delivered[r.ID]; ok {
				if !d.AddDays(rule.DeliveryDays).After(today) {
					due[r.ID] = true
				}
				continue
			}
		}
		if r.LastPeriodDate.IsValid() && !r.LastPeriodDate.AddDays(rule.GestationalDays).After(today) {
			due[r.ID] = true
		}
	}

	ids := make([]string, 0, len(due))
	for id := range due {
		ids = append(ids, id)
	}
	registry.SortIDs(ids)
	return ids
}

// dueForContact reports whether visit + days <= today. A missing visit date is
// never due.
func dueForContact(visit civil.Date, days int, today civil.Date) bool {
	return visit.IsValid() && !visit.AddDays(days).After(today)
}

// contactedRecently reports whether visit + days > today. A missing visit date is
// never recent.
func contactedRecently(visit civil.Date, days int, today civil.Date) bool {
	return visit.IsValid() && visit.AddDays(days).After(today)
}
