// Package fleet provides the central-node execution pool: the NodeDispatcher
// that claims pending execution sessions, runs them to a terminal status, and
// tracks the health of the pod/replica it runs on. It is distinct from the
// NodeRegistry of remote (central/linux/mcu) nodes the distribution planner
// assigns slices to — see ent/schema/fleetnode.go for that entity.
package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/llm-ir/svm/ent"
	"github.com/llm-ir/svm/ent/executionsession"
)

// Sentinel errors for pool operations.
var (
	// ErrNoSessionsAvailable indicates no pending sessions are in the queue.
	ErrNoSessionsAvailable = errors.New("no sessions available")

	// ErrAtCapacity indicates the global concurrent session limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// SessionExecutor runs one ExecutionSession from claim to terminal status.
//
// The executor owns the ENTIRE session lifecycle internally: it builds the
// topological instruction order, dispatches each instruction to the SVM
// engine, handles bounded loops and physical actions, and appends to the
// audit chain as it goes. The worker only handles: claiming, heartbeat,
// terminal status update, and slice bookkeeping.
type SessionExecutor interface {
	Execute(ctx context.Context, session *ent.ExecutionSession) *ExecutionResult
}

// ExecutionResult is lightweight — just the terminal state. All intermediate
// state (DistributionSlices, AuditEvents) was already written to the database
// by the executor during processing.
type ExecutionResult struct {
	Status          executionsession.Status // completed, failed, timed_out, cancelled
	OutputRegisters map[string]interface{}  // Final register snapshot, if completed
	Error           error                   // Error details (if failed/timed_out)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	NodeID           string         `json:"node_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveSessions   int            `json:"active_sessions"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"` // "idle" or "working"
	CurrentSessionID  string    `json:"current_session_id,omitempty"`
	SessionsProcessed int       `json:"sessions_processed"`
	LastActivity      time.Time `json:"last_activity"`
}
