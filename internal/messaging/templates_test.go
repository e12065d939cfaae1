package messaging

import (
	"strings"
	"testing"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

func TestLinkMessageSubjects(t *testing.T) {
	c := NewComposer("")
	tests := []struct {
		key  models.StatusKey
		want string
	}{
		{models.StatusKey{Version: models.LSQ1, Stage: models.StageGiven}, "Ontario Birth Study Lifestyle Questionnaire 1"},
		{models.StatusKey{Version: models.LSQ2, Stage: models.StageFollowup1}, "Ontario Birth Study Lifestyle Questionnaire 2 Follow-up"},
		{models.StatusKey{Version: models.LSQ3, Stage: models.StageFollowup3}, "Ontario Birth Study Lifestyle Questionnaire 3 Follow-up"},
	}
	for _, tt := range tests {
		subject, _, err := c.LinkMessage(tt.key, "https://survey.example.org/x")
		if err != nil {
			t.Fatalf("LinkMessage(%s) failed: %v", tt.key, err)
		}
		if subject != tt.want {
			t.Errorf("LinkMessage(%s) subject = %q, want %q", tt.key, subject, tt.want)
		}
	}
}

func TestLinkMessageBodies(t *testing.T) {
	c := NewComposer("")
	for _, v := range models.Versions {
		for _, st := range models.Stages {
			key := models.StatusKey{Version: v, Stage: st}
			_, body, err := c.LinkMessage(key, "https://survey.example.org/abc")
			if err != nil {
				t.Fatalf("LinkMessage(%s) failed: %v", key, err)
			}
			if !strings.HasPrefix(body, "Dear Ontario Birth Study participant:\n\n") {
				t.Errorf("%s: missing greeting", key)
			}
			if !strings.HasSuffix(body, "\n\nSincerely,\n\nThe Ontario Birth Study team") {
				t.Errorf("%s: missing signature", key)
			}
			if !strings.Contains(body, "https://survey.example.org/abc \n\n") {
				t.Errorf("%s: missing link", key)
			}
			if !strings.Contains(body, DefaultStudyContact) {
				t.Errorf("%s: missing contact", key)
			}
			paper := strings.Contains(body, "paper copy")
			if want := st == models.StageFollowup2 || st == models.StageFollowup3; paper != want {
				t.Errorf("%s: paper copy offered = %v, want %v", key, paper, want)
			}
			reminder := strings.Contains(body, "This is just a reminder")
			if want := st != models.StageGiven; reminder != want {
				t.Errorf("%s: reminder = %v, want %v", key, reminder, want)
			}
		}
	}
}

func TestGivenBodiesDifferByVersion(t *testing.T) {
	c := NewComposer("")
	want := map[models.Version]string{
		models.LSQ1: "Thank you for enrolling",
		models.LSQ2: "approximately 6 weeks postpartum",
		models.LSQ3: "Congratulations on your new baby!",
	}
	for v, phrase := range want {
		_, body, err := c.LinkMessage(models.StatusKey{Version: v, Stage: models.StageGiven}, "u")
		if err != nil {
			t.Fatalf("LinkMessage failed: %v", err)
		}
		if !strings.Contains(body, phrase) {
			t.Errorf("%s given body missing %q", v, phrase)
		}
	}
}

func TestPasswordMessage(t *testing.T) {
	c := NewComposer("study@example.org")
	subject, body, err := c.PasswordMessage(models.StatusKey{Version: models.LSQ2, Stage: models.StageFollowup2}, "pw-123")
	if err != nil {
		t.Fatalf("PasswordMessage failed: %v", err)
	}
	if subject != "Ontario Birth Study Lifestyle Questionnaire 2 Password" {
		t.Errorf("subject = %q", subject)
	}
	want := "Dear Ontario Birth Study participant:\n\nYour password for Lifestyle Questionnaire 2 is as follows:\n\npw-123 \n\n" +
		"Please click the link provided in the previous email and enter the above password to access your personal Lifestyle Questionnaire." +
		"\n\nSincerely,\n\nThe Ontario Birth Study team"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestCustomContact(t *testing.T) {
	_, body, err := NewComposer("study@example.org").LinkMessage(models.StatusKey{Version: models.LSQ1, Stage: models.StageFollowup1}, "u")
	if err != nil {
		t.Fatalf("LinkMessage failed: %v", err)
	}
	if !strings.Contains(body, "contact the Ontario Birth Study at study@example.org.") {
		t.Errorf("body missing custom contact: %q", body)
	}
}

func TestInvalidKey(t *testing.T) {
	c := NewComposer("")
	if _, _, err := c.LinkMessage(models.StatusKey{Version: 4, Stage: models.StageGiven}, "u"); err == nil {
		t.Error("expected error for unknown version")
	}
	if _, _, err := c.PasswordMessage(models.StatusKey{Version: models.LSQ1}, "p"); err == nil {
		t.Error("expected error for unknown stage")
	}
}
