package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestValidateSpec(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{DefaultSchedule, false},
		{"*/5 * * * *", false},
		{"0 9 * * MON", false},
		{"0 0 9 * * 1", true}, // seconds field not accepted
		{"every monday", true},
		{"", true},
	}
	for _, tt := range tests {
		if err := ValidateSpec(tt.expr); (err != nil) != tt.wantErr {
			t.Errorf("ValidateSpec(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler(context.Background(), time.UTC)
	defer s.Stop()

	id, err := s.AddJob(DefaultSchedule, "distribution", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Expected no error adding job, got %v", err)
	}
	next := s.Next(id)
	if next.IsZero() {
		t.Fatal("expected a next run time")
	}
	if next.Weekday() != time.Monday || next.Hour() != 9 || next.Minute() != 0 {
		t.Errorf("next run = %s, want a Monday at 09:00", next)
	}
}

func TestSchedulerRejectsInvalidSpec(t *testing.T) {
	s := NewScheduler(context.Background(), nil)
	defer s.Stop()
	if _, err := s.AddJob("not a schedule", "bad", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
