package models

import "time"

// RunRecord is the ledger entry written once a distribution run finishes.
type RunRecord struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	DryRun        bool      `json:"dry_run"`
	Sent          int       `json:"sent"`
	Returned      int       `json:"returned"`
	Failed        int       `json:"failed"`
	EPDSFollowups int       `json:"epds_followups"`
}
