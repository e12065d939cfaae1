package registry

import (
	"errors"
	"reflect"
	"testing"

	"cloud.google.com/go/civil"

	"github.com/BTreeMap/LSQPipe/internal/models"
	"github.com/BTreeMap/LSQPipe/internal/testutil"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"OBS912-00001", "91200001", false},
		{"912-00002", "91200002", false},
		{"91200003", "91200003", false},
		{" 00912 ", "912", false},
		{"OBS", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeID(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeID(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeID(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestCleanPatientID(t *testing.T) {
	if got := CleanPatientID(".01"); got != "1" {
		t.Errorf("CleanPatientID(.01) = %q", got)
	}
	if got := CleanPatientID("12345.0"); got != "12345" {
		t.Errorf("CleanPatientID(12345.0) = %q", got)
	}
}

func TestBuildJoinsFiltersAndDerivesLMP(t *testing.T) {
	enrollment := []models.EnrollmentRow{
		testutil.Enrollment("OBS912-00001", "2020-01-01"),
		testutil.Enrollment("OBS912-00002", "2000-01-01"), // before study start
		testutil.Enrollment("OBS912-00003", "2019-01-01"),
	}
	followup := []models.FollowupRow{
		testutil.Followup("912-00001", ""),
		testutil.Followup("912-00002", ""),
		testutil.Followup("912-00003", ""),
		testutil.Followup("912-00004", ""), // not enrolled
	}
	followup[0].Patient.PatientID = ".01"

	reg, err := Build(enrollment, followup, DefaultStudyStart)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got, want := reg.IDs(), []string{"91200001", "91200003"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("IDs = %v, want %v", got, want)
	}

	records := reg.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if want := (civil.Date{Year: 2019, Month: 3, Day: 27}); records[0].LastPeriodDate != want {
		t.Errorf("LMP = %v, want %v", records[0].LastPeriodDate, want)
	}
	if want := (civil.Date{Year: 2018, Month: 3, Day: 27}); records[1].LastPeriodDate != want {
		t.Errorf("LMP = %v, want %v", records[1].LastPeriodDate, want)
	}

	p, ok := reg.Patient("91200001")
	if !ok || p.PatientID != "1" {
		t.Errorf("Patient(91200001) = %+v, %v", p, ok)
	}
}

func TestBuildKeepsEveryFollowupRow(t *testing.T) {
	enrollment := []models.EnrollmentRow{testutil.Enrollment("91200001", "2024-01-01")}
	first := testutil.WithFlags(testutil.Followup("91200001", "2023-09-01"), models.LSQ1, models.EventGiven)
	second := testutil.WithFlags(testutil.Followup("91200001", "2023-09-15"), models.LSQ1, models.EventFollowup1)
	second.Patient.Surname = "Married"

	reg, err := Build(enrollment, []models.FollowupRow{first, second}, DefaultStudyStart)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
	records := reg.Records()
	if len(records) != 2 {
		t.Fatalf("expected one record per follow-up row, got %d", len(records))
	}
	if !records[0].FlagsFor(models.LSQ1).Given || !records[1].FlagsFor(models.LSQ1).Followup1 {
		t.Error("record order or flags not preserved")
	}
	if p, _ := reg.Patient("91200001"); p.Surname != "Married" {
		t.Errorf("expected last patient details to win, got %+v", p)
	}
}

func TestBuildDropsMalformedRows(t *testing.T) {
	enrollment := []models.EnrollmentRow{
		testutil.Enrollment("91200001", "2024-01-01"),
		testutil.Enrollment("", "2024-01-01"),
		testutil.Enrollment("91200003", "someday"),
	}
	followup := []models.FollowupRow{
		testutil.Followup("91200001", "2023-10-01"),
		testutil.Followup("91200001", "not-a-date"),
		testutil.Followup("n/a", "2023-10-01"),
	}

	reg, err := Build(enrollment, followup, DefaultStudyStart)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(reg.Records()) != 1 {
		t.Errorf("expected 1 record, got %d", len(reg.Records()))
	}
}

func TestBuildAllRowsMalformed(t *testing.T) {
	_, err := Build([]models.EnrollmentRow{testutil.Enrollment("none", "2024-01-01")}, nil, DefaultStudyStart)
	var de *models.DataError
	if !errors.As(err, &de) || !errors.Is(err, models.ErrAllRowsMalformed) {
		t.Fatalf("expected DataError wrapping ErrAllRowsMalformed, got %v", err)
	}
	if de.Source != "enrolment" {
		t.Errorf("Source = %q", de.Source)
	}

	_, err = Build(
		[]models.EnrollmentRow{testutil.Enrollment("91200001", "2024-01-01")},
		[]models.FollowupRow{testutil.Followup("", "")},
		DefaultStudyStart,
	)
	if !errors.As(err, &de) || de.Source != "followup" {
		t.Fatalf("expected followup DataError, got %v", err)
	}
}

func TestBuildEmptyTables(t *testing.T) {
	reg, err := Build(nil, nil, DefaultStudyStart)
	if err != nil {
		t.Fatalf("empty tables should not fail: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Len = %d", reg.Len())
	}
}

func TestExclude(t *testing.T) {
	lmp := testutil.MustDate(t, "2024-01-01")
	reg := NewFromRecords([]models.Record{
		testutil.Record("91200004", lmp),
		testutil.Record("91200001", lmp),
		testutil.Record("91200003", lmp),
		testutil.Record("91200002", lmp),
	})
	excluded := NewExclusionSet("91200002", "91200004", "99999999")

	once := reg.Exclude(excluded)
	testutil.AssertIDs(t, "Exclude", once.IDs(), []string{"91200001", "91200003"})

	twice := once.Exclude(excluded)
	if !reflect.DeepEqual(once.Records(), twice.Records()) {
		t.Error("Exclude is not idempotent")
	}
	if reg.Len() != 4 {
		t.Error("Exclude must not modify the receiver")
	}
}

func TestGivenNotReturned(t *testing.T) {
	lmp := testutil.MustDate(t, "2024-01-01")
	visit := testutil.MustDate(t, "2024-03-01")
	reg := NewFromRecords([]models.Record{
		testutil.Flag(testutil.Record("91200001", lmp), models.LSQ1, visit, models.EventGiven),
		testutil.Flag(testutil.Record("91200001", lmp), models.LSQ1, visit, models.EventReturned),
		testutil.Flag(testutil.Record("91200002", lmp), models.LSQ1, visit, models.EventGiven),
		testutil.Flag(testutil.Record("91200003", lmp), models.LSQ2, visit, models.EventGiven),
	})
	testutil.AssertIDs(t, "LSQ1", reg.GivenNotReturned(models.LSQ1), []string{"91200002"})
	testutil.AssertIDs(t, "LSQ2", reg.GivenNotReturned(models.LSQ2), []string{"91200003"})
	testutil.AssertIDs(t, "LSQ3", reg.GivenNotReturned(models.LSQ3), nil)
}

func TestSortIDsNumeric(t *testing.T) {
	ids := []string{"100", "20", "3"}
	SortIDs(ids)
	if !reflect.DeepEqual(ids, []string{"3", "20", "100"}) {
		t.Errorf("SortIDs = %v", ids)
	}
}
