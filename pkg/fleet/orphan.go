package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/llm-ir/svm/ent"
	"github.com/llm-ir/svm/ent/distributionslice"
	"github.com/llm-ir/svm/ent/executionsession"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned sessions.
// All nodes run this independently — operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds in_progress sessions with stale heartbeats
// and marks them as timed_out (terminal state). This is also how a
// distribution plan's sync-point await notices a node that stopped
// heartbeating: the central session driving that plan goes stale the same
// way a single-node session would.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.config.OrphanThreshold)

	orphans, err := p.client.ExecutionSession.Query().
		Where(
			executionsession.StatusEQ(executionsession.StatusInProgress),
			executionsession.LastInteractionAtNotNil(),
			executionsession.LastInteractionAtLT(threshold),
			executionsession.DeletedAtIsNil(),
		).
		All(ctx)
	if err != nil {
		return fmt.Errorf("failed to query orphaned sessions: %w", err)
	}

	if len(orphans) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	slog.Warn("Detected orphaned sessions", "count", len(orphans))

	recovered := 0
	failed := 0
	for _, session := range orphans {
		if err := p.recoverOrphanedSession(ctx, session); err != nil {
			slog.Error("Failed to recover orphaned session",
				"session_id", session.ID,
				"error", err)
			failed++
			continue
		}
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	if failed > 0 {
		slog.Warn("Orphan recovery completed with failures",
			"total_orphans", len(orphans),
			"recovered", recovered,
			"failed", failed)
	}

	return nil
}

// recoverOrphanedSession marks a single orphaned session as timed_out.
func (p *WorkerPool) recoverOrphanedSession(ctx context.Context, session *ent.ExecutionSession) error {
	log := slog.With("session_id", session.ID, "old_node_id", session.NodeID)

	lastHeartbeat := "unknown"
	if session.LastInteractionAt != nil {
		lastHeartbeat = session.LastInteractionAt.Format(time.RFC3339)
	}

	nodeID := "unknown"
	if session.NodeID != nil {
		nodeID = *session.NodeID
	}

	errorMsg := fmt.Sprintf("Orphaned: no heartbeat from node %s since %s", nodeID, lastHeartbeat)
	if err := markSessionTimedOut(ctx, p.client, session.ID, errorMsg); err != nil {
		return err
	}

	log.Warn("Orphaned session marked as timed_out", "last_heartbeat", lastHeartbeat)
	return nil
}

// CleanupStartupOrphans performs a one-time cleanup of sessions owned by this
// node that were in-progress when the node previously crashed. Called once
// during startup, before the worker pool begins processing.
func CleanupStartupOrphans(ctx context.Context, client *ent.Client, nodeID string) error {
	orphans, err := client.ExecutionSession.Query().
		Where(
			executionsession.StatusEQ(executionsession.StatusInProgress),
			executionsession.NodeIDEQ(nodeID),
			executionsession.DeletedAtIsNil(),
		).
		All(ctx)
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}

	if len(orphans) == 0 {
		return nil
	}

	slog.Warn("Found startup orphans from previous run",
		"node_id", nodeID,
		"count", len(orphans))

	for _, session := range orphans {
		errorMsg := fmt.Sprintf("Orphaned: node %s restarted while session was in progress", nodeID)
		if err := markSessionTimedOut(ctx, client, session.ID, errorMsg); err != nil {
			slog.Error("Failed to mark startup orphan",
				"session_id", session.ID,
				"error", err)
			continue
		}

		slog.Info("Startup orphan recovered", "session_id", session.ID)
	}

	return nil
}

// markSessionTimedOut is a shared helper that marks a session as timed_out
// and fails any slices still dispatched or pending. Uses a transaction for
// atomicity.
func markSessionTimedOut(ctx context.Context, client *ent.Client, sessionID, errorMsg string) error {
	now := time.Now()

	tx, err := client.Tx(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.ExecutionSession.UpdateOneID(sessionID).
		SetStatus(executionsession.StatusTimedOut).
		SetCompletedAt(now).
		SetErrorMessage(errorMsg).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark session as timed_out: %w", err)
	}

	if err := tx.DistributionSlice.Update().
		Where(
			distributionslice.SessionIDEQ(sessionID),
			distributionslice.StatusIn(distributionslice.StatusPending, distributionslice.StatusDispatched),
		).
		SetStatus(distributionslice.StatusFailure).
		SetErrorMessage(errorMsg).
		SetCompletedAt(now).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to fail in-flight slices: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
