package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects a driver: "file" (JSON lines next to Path), "sqlite", or
// "none"/empty to disable.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// RunRecord is one finished delivery run.
type RunRecord struct {
	RunID     string       `json:"run_id"`
	At        time.Time    `json:"at"`
	Trigger   string       `json:"trigger"`
	Mode      string       `json:"mode"`
	Signals   []string     `json:"signals"`
	Items     []ItemRecord `json:"items"`
	Succeeded int          `json:"succeeded"`
	Total     int          `json:"total"`
	TookMS    int64        `json:"took_ms"`
	Error     string       `json:"error,omitempty"`
}

type ItemRecord struct {
	Label  string `json:"label"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}

type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to n runs, newest first.
	RecentRuns(ctx context.Context, n int) ([]RunRecord, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
