// Package audit implements the append-only, hash-linked audit chain: the
// collaborator every instruction dispatch, sync-point join, fallback
// invocation, and physical-action side effect appends exactly one record to.
// Nothing in the chain is ever updated or deleted.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/llm-ir/svm/ent"
	"github.com/llm-ir/svm/ent/auditevent"
	"github.com/google/uuid"
)

// EventType re-exports the ent-generated enum so callers need not import the
// generated package directly.
type EventType = auditevent.EventType

const (
	EventInstructionDispatched EventType = auditevent.EventTypeInstructionDispatched
	EventServiceCallCompleted  EventType = auditevent.EventTypeServiceCallCompleted
	EventLoopIteration         EventType = auditevent.EventTypeLoopIteration
	EventLoopFallback          EventType = auditevent.EventTypeLoopFallback
	EventPhysicalAction        EventType = auditevent.EventTypePhysicalActionExecuted
	EventPostconditionChecked  EventType = auditevent.EventTypePostconditionChecked
	EventSyncPointJoined       EventType = auditevent.EventTypeSyncPointJoined
	EventFallbackInvoked       EventType = auditevent.EventTypeFallbackInvoked
	EventNodeMarkedOffline     EventType = auditevent.EventTypeNodeMarkedOffline
	EventMaskingApplied        EventType = auditevent.EventTypeMaskingApplied
)

// PayloadMasker redacts sensitive values out of an audit payload before it
// is hashed and stored. Backed in production by *masking.Service's
// MaskExecutionData, which this interface exists to avoid a direct
// dependency on.
type PayloadMasker interface {
	MaskExecutionData(data string) string
}

// Chain appends events to a single session's hash-linked audit trail and
// reads it back for display or external verification.
type Chain struct {
	client *ent.Client
	masker PayloadMasker // nil: no masking applied
}

// NewChain wraps an Ent client for audit-chain access. Masking is disabled
// until SetMasker is called.
func NewChain(client *ent.Client) *Chain {
	return &Chain{client: client}
}

// SetMasker installs the payload masker applied to every subsequent Append
// call's payload, before it is hashed and stored. Passing nil disables
// masking.
func (c *Chain) SetMasker(m PayloadMasker) {
	c.masker = m
}

// maskPayload redacts every string-valued top-level field of payload using
// the installed masker. Nested structures are left untouched — the masker's
// regex/code-masker patterns operate on string content wherever it appears,
// so this still catches secrets serialized into top-level string fields
// (the common case: tool results, LLM output, register snapshots rendered
// to JSON text).
func (c *Chain) maskPayload(payload map[string]interface{}) map[string]interface{} {
	if c.masker == nil || payload == nil {
		return payload
	}
	masked := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			masked[k] = c.masker.MaskExecutionData(s)
		} else {
			masked[k] = v
		}
	}
	return masked
}

// Append writes the next event in sessionID's chain. It locks the session's
// most recent event row (if any) for the duration of the transaction so
// concurrent appends to the same session serialize and sequence_number never
// collides; appends to different sessions proceed independently.
func (c *Chain) Append(ctx context.Context, sessionID string, eventType EventType, instructionIndex *int, payload map[string]interface{}) (*ent.AuditEvent, error) {
	payload = c.maskPayload(payload)

	tx, err := c.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prevHash := ""
	seq := 1
	last, err := tx.AuditEvent.Query().
		Where(auditevent.SessionIDEQ(sessionID)).
		Order(ent.Desc(auditevent.FieldSequenceNumber)).
		ForUpdate().
		First(ctx)
	switch {
	case err == nil:
		prevHash = last.Hash
		seq = last.SequenceNumber + 1
	case ent.IsNotFound(err):
		// First event in this session's chain.
	default:
		return nil, fmt.Errorf("failed to query chain tail: %w", err)
	}

	hash, err := computeHash(prevHash, sessionID, seq, eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to hash audit event: %w", err)
	}

	create := tx.AuditEvent.Create().
		SetID(uuid.New().String()).
		SetSessionID(sessionID).
		SetSequenceNumber(seq).
		SetEventType(eventType).
		SetPayload(payload).
		SetPrevHash(prevHash).
		SetHash(hash).
		SetCreatedAt(time.Now())
	if instructionIndex != nil {
		create = create.SetInstructionIndex(*instructionIndex)
	}

	ev, err := create.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit append: %w", err)
	}

	return ev, nil
}

// SessionChain returns every event for a session in chain order.
func (c *Chain) SessionChain(ctx context.Context, sessionID string) ([]*ent.AuditEvent, error) {
	events, err := c.client.AuditEvent.Query().
		Where(auditevent.SessionIDEQ(sessionID)).
		Order(ent.Asc(auditevent.FieldSequenceNumber)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session chain: %w", err)
	}
	return events, nil
}

// Verify recomputes every hash in a chain returned by SessionChain and
// confirms each event's prev_hash matches its predecessor's hash. It is the
// external-auditor counterpart to Append's internal linking.
func Verify(events []*ent.AuditEvent) error {
	prevHash := ""
	for _, ev := range events {
		if ev.PrevHash != prevHash {
			return fmt.Errorf("audit event %s: prev_hash mismatch (chain broken at sequence %d)", ev.ID, ev.SequenceNumber)
		}
		want, err := computeHash(ev.PrevHash, ev.SessionID, ev.SequenceNumber, ev.EventType, ev.Payload)
		if err != nil {
			return fmt.Errorf("audit event %s: %w", ev.ID, err)
		}
		if want != ev.Hash {
			return fmt.Errorf("audit event %s: hash mismatch (tampered or corrupted)", ev.ID)
		}
		prevHash = ev.Hash
	}
	return nil
}

// computeHash is deterministic: encoding/json marshals map keys in sorted
// order, so two calls with equal arguments always produce the same digest.
func computeHash(prevHash, sessionID string, seq int, eventType EventType, payload map[string]interface{}) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|", prevHash, sessionID, seq, eventType)
	h.Write(payloadJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}
