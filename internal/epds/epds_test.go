package epds

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

func TestEvaluateMaximumScore(t *testing.T) {
	tests := []struct {
		scale     Scale
		responses []string
	}{
		{LSQ2Scale, []string{"4", "4", "2", "4", "1", "1", "1", "2", "1", "1"}},
		{LSQ3Scale, []string{"4", "4", "2", "4", "1", "1", "1", "1", "1", "4"}},
	}
	for _, tt := range tests {
		t.Run(tt.scale.Name, func(t *testing.T) {
			res, err := Evaluate(tt.responses, tt.scale, DefaultCutoff)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if res.Score != 30 {
				t.Errorf("Score = %d, want 30", res.Score)
			}
			if res.HarmLabel != "Yes, quite often" || res.HarmScore != 3 {
				t.Errorf("harm = %d %q", res.HarmScore, res.HarmLabel)
			}
			if !res.NeedsFollowup {
				t.Error("expected follow-up")
			}
		})
	}
}

func TestEvaluateFollowupRule(t *testing.T) {
	tests := []struct {
		name      string
		responses []string
		cutoff    int
		wantScore int
		want      bool
	}{
		{"all lowest", []string{"1", "1", "4", "2", "4", "4", "4", "4", "4", "4"}, 10, 0, false},
		{"harm sometimes only", []string{"1", "1", "4", "2", "4", "4", "4", "4", "4", "2"}, 10, 2, true},
		{"score at cutoff", []string{"4", "4", "2", "2", "4", "3", "4", "4", "4", "4"}, 10, 10, true},
		{"score below cutoff", []string{"4", "4", "2", "2", "4", "4", "4", "4", "4", "4"}, 10, 9, false},
		{"higher cutoff", []string{"4", "4", "2", "2", "4", "3", "4", "4", "4", "4"}, 13, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(tt.responses, LSQ2Scale, tt.cutoff)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if res.Score != tt.wantScore {
				t.Errorf("Score = %d, want %d", res.Score, tt.wantScore)
			}
			if res.NeedsFollowup != tt.want {
				t.Errorf("NeedsFollowup = %v, want %v", res.NeedsFollowup, tt.want)
			}
		})
	}
}

func TestEvaluateBlankAnswers(t *testing.T) {
	responses := []string{"4", "", "", "", "", "", "", "", "", ""}
	res, err := Evaluate(responses, LSQ2Scale, DefaultCutoff)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Score != 3 || res.Answered != 1 || res.HarmAnswered || res.HarmLabel != "" {
		t.Errorf("unexpected result %+v", res)
	}

	_, err = Evaluate(make([]string, 10), LSQ2Scale, DefaultCutoff)
	if !errors.Is(err, ErrNoResponses) {
		t.Errorf("expected ErrNoResponses, got %v", err)
	}
}

func TestEvaluateErrors(t *testing.T) {
	if _, err := Evaluate([]string{"1"}, LSQ3Scale, DefaultCutoff); !errors.Is(err, ErrResponseCount) {
		t.Errorf("expected ErrResponseCount, got %v", err)
	}
	// LSQ3 harm item only accepts codes 4 to 7.
	responses := []string{"1", "1", "1", "1", "1", "1", "1", "1", "1", "1"}
	if _, err := Evaluate(responses, LSQ3Scale, DefaultCutoff); !errors.Is(err, ErrUnknownAnswer) {
		t.Errorf("expected ErrUnknownAnswer, got %v", err)
	}
}

func TestScreen(t *testing.T) {
	responses := map[string][]string{
		"10100001": {"4", "4", "2", "4", "1", "1", "1", "2", "1", "1"},
		"10100003": {"1", "1", "1", "1", "1", "1", "1", "1", "1", "1"},
		"10100004": {"1", "1", "4", "2", "4", "4", "4", "4", "4", "4"},
		"10100005": {"x", "1", "4", "2", "4", "4", "4", "4", "4", "4"},
	}
	got, unscored := Screen([]string{"10100001", "10100002", "10100004", "10100005"}, responses, LSQ2Scale, DefaultCutoff)
	want := []Followup{{SubjectID: "10100001", Score: 30, HarmLabel: "Yes, quite often"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Screen = %+v, want %+v", got, want)
	}
	if wantUnscored := []string{"10100002", "10100005"}; !reflect.DeepEqual(unscored, wantUnscored) {
		t.Errorf("unscored = %v, want %v", unscored, wantUnscored)
	}

	got, unscored = Screen([]string{"10100003"}, responses, LSQ2Scale, DefaultCutoff)
	want = []Followup{{SubjectID: "10100003", Score: 18, HarmLabel: "Yes, quite often"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Screen = %+v, want %+v", got, want)
	}
	if len(unscored) != 0 {
		t.Errorf("unexpected unscored %v", unscored)
	}
}

func TestScreenFlagsHarmDespiteUnknownAnswer(t *testing.T) {
	// "9" is not a valid code for the first item; the harm answer "1" is "Yes, quite often".
	responses := map[string][]string{
		"91200001": {"9", "1", "1", "1", "4", "4", "4", "4", "4", "1"},
	}
	got, unscored := Screen([]string{"91200001"}, responses, LSQ2Scale, DefaultCutoff)
	want := []Followup{{SubjectID: "91200001", Score: 5, HarmLabel: "Yes, quite often", Incomplete: true}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Screen = %+v, want %+v", got, want)
	}
	if !reflect.DeepEqual(unscored, []string{"91200001"}) {
		t.Errorf("unscored = %v, want [91200001]", unscored)
	}
	if body := AlertBody(got); !strings.Contains(body, "91200001 (EPDS Score: at least 5, incomplete; \"Harming myself\" answer: Yes, quite often)") {
		t.Errorf("alert body = %q", body)
	}
}

func TestEvaluateUnknownAnswerKeepsHarmItem(t *testing.T) {
	responses := []string{"9", "1", "1", "1", "4", "4", "4", "4", "4", "2"}
	res, err := Evaluate(responses, LSQ2Scale, DefaultCutoff)
	if !errors.Is(err, ErrUnknownAnswer) {
		t.Fatalf("expected ErrUnknownAnswer, got %v", err)
	}
	if !res.NeedsFollowup || res.HarmScore != 2 || res.HarmLabel != "Sometimes" {
		t.Errorf("unexpected result %+v", res)
	}

	responses[9] = "4"
	if res, _ := Evaluate(responses, LSQ2Scale, DefaultCutoff); res.NeedsFollowup {
		t.Errorf("harm answered Never should not be flagged on an incomplete row: %+v", res)
	}
}

func TestScaleFor(t *testing.T) {
	if _, ok := ScaleFor(models.LSQ1); ok {
		t.Error("LSQ1 has no EPDS scale")
	}
	s, ok := ScaleFor(models.LSQ3)
	if !ok || s.Name != "LSQ3" {
		t.Errorf("ScaleFor(LSQ3) = %v, %v", s.Name, ok)
	}
	if fields := LSQ2Scale.Fields(); len(fields) != 10 || fields[0] != "lwk_funny" || fields[9] != "lwk_harm" {
		t.Errorf("Fields = %v", fields)
	}
}

func TestAlertBody(t *testing.T) {
	if got := AlertBody(nil); got != "There are no EPDS followups this week\n\n" {
		t.Errorf("empty body = %q", got)
	}
	body := AlertBody([]Followup{
		{SubjectID: "91200001", Score: 12, HarmLabel: "Never"},
		{SubjectID: "91200002", Score: 4, HarmLabel: "Sometimes"},
	})
	if !strings.HasPrefix(body, "The following OBS subjects need to be followed up based on their EPDS score:\n\n") {
		t.Errorf("body header = %q", body)
	}
	if !strings.Contains(body, "91200001 (EPDS Score: 12; \"Harming myself\" answer: Never)\n") {
		t.Errorf("missing first line in %q", body)
	}
	if !strings.Contains(body, "91200002 (EPDS Score: 4; \"Harming myself\" answer: Sometimes)\n") {
		t.Errorf("missing second line in %q", body)
	}
}
