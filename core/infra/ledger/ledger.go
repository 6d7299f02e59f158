// Package ledger keeps a queryable history of committed checkpoints.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the ledger has no backing client.
var ErrUnavailable = errors.New("ledger unavailable")

// Record is one committed checkpoint.
type Record struct {
	ID          string    `json:"id"`
	Job         string    `json:"job"`
	Event       string    `json:"event"`
	EpochIndex  int       `json:"epoch_index,omitempty"`
	TotalEpochs int       `json:"total_epochs,omitempty"`
	Filename    string    `json:"filename"`
	RemotePath  string    `json:"remote_path"`
	Message     string    `json:"message,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	SHA256      string    `json:"sha256,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	Deleted     bool      `json:"deleted_local,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

// Store appends and lists records per job.
type Store interface {
	Append(ctx context.Context, rec Record) (string, error)
	// List returns the newest records first. A non-positive limit returns all.
	List(ctx context.Context, job string, limit int) ([]Record, error)
}
