// Package models defines the core data structures for LSQPipe.
//
// It includes the questionnaire versions and contact stages that make up a status
// key, the tracking rows read from the study database, and the records built from them.
// These types are shared across the registry, engine, store and messaging modules.
package models

import (
	"fmt"
	"strconv"
)

// Version identifies one of the three sequenced lifestyle questionnaires.
type Version int

const (
	// LSQ1 is sent early in pregnancy.
	LSQ1 Version = 1
	// LSQ2 is sent late in pregnancy.
	LSQ2 Version = 2
	// LSQ3 is sent postpartum.
	LSQ3 Version = 3
)

// Versions lists every questionnaire version in ascending order.
var Versions = []Version{LSQ1, LSQ2, LSQ3}

// Valid reports whether v is one of the known questionnaire versions.
func (v Version) Valid() bool {
	return v >= LSQ1 && v <= LSQ3
}

// Index returns the zero-based position of v, for per-version arrays.
func (v Version) Index() int {
	return int(v) - 1
}

func (v Version) String() string {
	return "LSQ" + strconv.Itoa(int(v))
}

// Stage is a contact stage for a questionnaire. Higher stages take priority.
type Stage int

const (
	// StageGiven means the questionnaire is newly due to be sent.
	StageGiven Stage = iota + 1
	// StageFollowup1 is the first reminder.
	StageFollowup1
	// StageFollowup2 is the second reminder.
	StageFollowup2
	// StageFollowup3 is the last reminder.
	StageFollowup3
)

// Stages lists every stage from lowest to highest priority.
var Stages = []Stage{StageGiven, StageFollowup1, StageFollowup2, StageFollowup3}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s >= StageGiven && s <= StageFollowup3
}

// Next returns the stage a subject moves to after s, if any.
func (s Stage) Next() (Stage, bool) {
	if !s.Valid() || s == StageFollowup3 {
		return 0, false
	}
	return s + 1, true
}

// Event returns the tracking event recorded when a subject is contacted at stage s.
func (s Stage) Event() Event {
	switch s {
	case StageGiven:
		return EventGiven
	case StageFollowup1:
		return EventFollowup1
	case StageFollowup2:
		return EventFollowup2
	case StageFollowup3:
		return EventFollowup3
	default:
		return ""
	}
}

func (s Stage) String() string {
	switch s {
	case StageGiven:
		return "Given"
	case StageFollowup1:
		return "Followup1"
	case StageFollowup2:
		return "Followup2"
	case StageFollowup3:
		return "Followup3"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// StatusKey pairs a questionnaire version with a contact stage.
type StatusKey struct {
	Version Version
	Stage   Stage
}

// String renders the key the way the tracking log labels it, e.g. "LSQ(2)Followup1".
func (k StatusKey) String() string {
	return fmt.Sprintf("LSQ(%d)%s", int(k.Version), k.Stage)
}

// Event is a tracking-log event for one questionnaire.
type Event string

const (
	EventGiven     Event = "given"
	EventReturned  Event = "returned"
	EventFollowup1 Event = "followup1"
	EventFollowup2 Event = "followup2"
	EventFollowup3 Event = "followup3"
	EventRefused   Event = "refused"
	EventPaper     Event = "paper"
)

// Events lists the tracking events in column order.
var Events = []Event{EventGiven, EventReturned, EventFollowup1, EventFollowup2, EventFollowup3, EventRefused, EventPaper}

// IsValidEvent checks if the given event is a known tracking event.
func IsValidEvent(e Event) bool {
	for _, known := range Events {
		if e == known {
			return true
		}
	}
	return false
}

// Column returns the tracking table column that stores event e for version v.
func (e Event) Column(v Version) string {
	return fmt.Sprintf("lsq%d_%s", int(v), e)
}
