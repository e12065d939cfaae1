// Package epds scores the Edinburgh Postnatal Depression Scale items embedded in the
// later lifestyle questionnaires and flags respondents who need clinical follow-up.
package epds

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

// DefaultCutoff is the score at or above which a respondent is followed up.
const DefaultCutoff = 10

// Item is one scale question and the recoding from its survey answer code to points.
type Item struct {
	Field  string
	Recode map[string]int
}

// Scale is a version-specific EPDS item set. HarmItem indexes the self-harm question.
type Scale struct {
	Name     string
	Items    []Item
	HarmItem int
}

// Fields returns the survey field names of the scale's items, in order.
func (s Scale) Fields() []string {
	fields := make([]string, len(s.Items))
	for i, item := range s.Items {
		fields[i] = item.Field
	}
	return fields
}

// Answer codes recode to points in one of these shapes.
var (
	ascending   = map[string]int{"1": 0, "2": 1, "3": 2, "4": 3}
	descending  = map[string]int{"1": 3, "2": 2, "3": 1, "4": 0}
	blameMiser  = map[string]int{"2": 3, "3": 2, "1": 1, "4": 0}
	anxiousLSQ2 = map[string]int{"2": 0, "1": 1, "3": 2, "4": 3}
	harmingLSQ3 = map[string]int{"4": 3, "5": 2, "6": 1, "7": 0}
)

// HarmLabels maps the self-harm item's points back to the answer wording.
var HarmLabels = map[int]string{
	3: "Yes, quite often",
	2: "Sometimes",
	1: "Hardly ever",
	0: "Never",
}

// LSQ2Scale is the EPDS as asked in the second questionnaire.
var LSQ2Scale = Scale{
	Name: "LSQ2",
	Items: []Item{
		{"lwk_funny", ascending},
		{"lwk_lookfo", ascending},
		{"lwk_blame", blameMiser},
		{"lwk_anxio", anxiousLSQ2},
		{"lwk_scare", descending},
		{"lwk_top", descending},
		{"lwk_sleep", descending},
		{"lwk_miser", blameMiser},
		{"lwk_cryin", descending},
		{"lwk_harm", descending},
	},
	HarmItem: 9,
}

// LSQ3Scale is the EPDS as asked in the third questionnaire. Its self-harm item uses
// answer codes 4 to 7.
var LSQ3Scale = Scale{
	Name: "LSQ3",
	Items: []Item{
		{"lweek_laugh", ascending},
		{"lweek_enjoy", ascending},
		{"lweek_blame", blameMiser},
		{"lweek_anxious", ascending},
		{"lweek_panic", descending},
		{"lweek_top", descending},
		{"lweek_unhappy", descending},
		{"lweek_miserable", descending},
		{"lweek_crying", descending},
		{"lweek_harming", harmingLSQ3},
	},
	HarmItem: 9,
}

// ScaleFor returns the EPDS scale carried by questionnaire v. LSQ1 has none.
func ScaleFor(v models.Version) (Scale, bool) {
	switch v {
	case models.LSQ2:
		return LSQ2Scale, true
	case models.LSQ3:
		return LSQ3Scale, true
	default:
		return Scale{}, false
	}
}

// Result is the scored outcome for one respondent.
type Result struct {
	Score         int
	Answered      int
	HarmScore     int
	HarmAnswered  bool
	HarmLabel     string
	NeedsFollowup bool
}

var (
	// ErrResponseCount is returned when the number of responses does not match the scale.
	ErrResponseCount = errors.New("response count does not match scale")
	// ErrNoResponses is returned when every item was left blank.
	ErrNoResponses = errors.New("no items answered")
	// ErrUnknownAnswer is returned for an answer code the item does not define.
	ErrUnknownAnswer = errors.New("unknown answer code")
)

// Evaluate scores responses against scale. Blank answers are skipped and score
// nothing. A respondent needs follow-up when the self-harm item scores above zero or
// the total reaches cutoff.
//
// An answer code the item does not define yields ErrUnknownAnswer. The total is then
// incomplete, but the returned Result still carries the self-harm item and flags the
// respondent when it scored above zero.
func Evaluate(responses []string, scale Scale, cutoff int) (Result, error) {
	if len(responses) != len(scale.Items) {
		return Result{}, fmt.Errorf("%w: got %d, %s has %d items", ErrResponseCount, len(responses), scale.Name, len(scale.Items))
	}

	var res Result
	var unknown error
	for i, raw := range responses {
		answer := strings.TrimSpace(raw)
		if answer == "" {
			continue
		}
		item := scale.Items[i]
		points, ok := item.Recode[answer]
		if !ok {
			if unknown == nil {
				unknown = fmt.Errorf("%w %q for %s", ErrUnknownAnswer, answer, item.Field)
			}
			continue
		}
		res.Score += points
		res.Answered++
		if i == scale.HarmItem {
			res.HarmScore = points
			res.HarmAnswered = true
			res.HarmLabel = HarmLabels[points]
		}
	}
	if unknown != nil {
		res.NeedsFollowup = res.HarmScore > 0
		return res, unknown
	}
	if res.Answered == 0 {
		return Result{}, ErrNoResponses
	}

	res.NeedsFollowup = res.HarmScore > 0 || res.Score >= cutoff
	return res, nil
}

// Followup is one respondent flagged for clinical follow-up.
type Followup struct {
	SubjectID string
	Score     int
	HarmLabel string
	// Incomplete is set when some answers could not be scored and Score is a lower bound.
	Incomplete bool
}

// Screen evaluates each subject in ids, in order. It returns those needing follow-up
// and those that could not be scored: no responses, unknown answer codes or a
// malformed row. A subject whose self-harm item scored above zero is flagged even
// when the rest of the row could not be scored, and is then listed in both.
func Screen(ids []string, responses map[string][]string, scale Scale, cutoff int) (followups []Followup, unscored []string) {
	for _, id := range ids {
		answers, ok := responses[id]
		if !ok {
			slog.Warn("epds.Screen: no responses", "scale", scale.Name, "subject_id", id)
			unscored = append(unscored, id)
			continue
		}
		res, err := Evaluate(answers, scale, cutoff)
		if err != nil {
			slog.Warn("epds.Screen: could not score subject", "scale", scale.Name, "subject_id", id,
				"error", &models.DataError{Source: scale.Name + " EPDS", Row: -1, Err: err})
			unscored = append(unscored, id)
		}
		if res.NeedsFollowup {
			followups = append(followups, Followup{SubjectID: id, Score: res.Score, HarmLabel: res.HarmLabel, Incomplete: err != nil})
		}
	}
	slog.Debug("epds.Screen", "scale", scale.Name, "screened", len(ids), "followups", len(followups), "unscored", len(unscored))
	return followups, unscored
}

// AlertBody renders the clinical alert sent to study staff.
func AlertBody(followups []Followup) string {
	if len(followups) == 0 {
		return "There are no EPDS followups this week\n\n"
	}
	var b strings.Builder
	b.WriteString("The following OBS subjects need to be followed up based on their EPDS score:\n\n")
	for _, f := range followups {
		label := f.HarmLabel
		if label == "" {
			label = "Not answered"
		}
		score := fmt.Sprint(f.Score)
		if f.Incomplete {
			score = fmt.Sprintf("at least %d, incomplete", f.Score)
		}
		fmt.Fprintf(&b, "%s (EPDS Score: %s; \"Harming myself\" answer: %s)\n", f.SubjectID, score, label)
	}
	return b.String()
}
