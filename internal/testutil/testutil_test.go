package testutil

import (
	"testing"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

func TestDaysAgo(t *testing.T) {
	if got := DaysAgo(0); got != "2024-06-17" {
		t.Errorf("DaysAgo(0) = %s", got)
	}
	if got := DaysAgo(17); got != "2024-05-31" {
		t.Errorf("DaysAgo(17) = %s", got)
	}
}

func TestRecordLastPeriod(t *testing.T) {
	lmp := MustDate(t, "2024-01-01")
	r := Record("91200001", lmp)
	if r.LastPeriodDate != lmp {
		t.Errorf("LastPeriodDate = %s, want %s", r.LastPeriodDate, lmp)
	}
	if got := r.DueDate.DaysSince(lmp); got != models.GestationDays {
		t.Errorf("due date is %d days after lmp, want %d", got, models.GestationDays)
	}
}

func TestFlagSetsEventsForVersion(t *testing.T) {
	r := Flag(Record("91200001", Today), models.LSQ2, Today, models.EventGiven)
	if !r.Flags[models.LSQ2.Index()].Event(models.EventGiven) {
		t.Error("expected LSQ2 given flag")
	}
	if r.Flags[models.LSQ1.Index()].Event(models.EventGiven) {
		t.Error("LSQ1 flags should be untouched")
	}
	if r.VisitDate != Today {
		t.Errorf("VisitDate = %s, want %s", r.VisitDate, Today)
	}
}

func TestWithFlags(t *testing.T) {
	row := WithFlags(Followup("00001", "2024-06-01"), models.LSQ3, models.EventGiven, models.EventReturned)
	flags := row.Flags[models.LSQ3.Index()]
	if !flags.Event(models.EventGiven) || !flags.Event(models.EventReturned) {
		t.Errorf("unexpected flags %v", flags)
	}
}
