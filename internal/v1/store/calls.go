package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCall records a new call in INITIATED state. The busy check and the
// insert share one transaction so two simultaneous initiates involving the
// same user cannot both succeed; the loser gets ErrUserBusy.
func (s *Store) CreateCall(ctx context.Context, convID, callerID, calleeID string, kind CallKind) (*Call, error) {
	now := time.Now().UTC()
	c := &Call{
		ID:             uuid.NewString(),
		ConversationID: convID,
		CallerID:       callerID,
		CalleeID:       calleeID,
		Kind:           kind,
		State:          CallInitiated,
		InitiatedAt:    now,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []string{callerID, calleeID} {
			var existing string
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM calls
				WHERE (caller_id = ? OR callee_id = ?)
				  AND state IN ('INITIATED', 'RINGING', 'ACTIVE')
				LIMIT 1`, id, id).Scan(&existing)
			if err == nil {
				return ErrUserBusy
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check live calls: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO calls (id, conversation_id, caller_id, callee_id, kind, state, initiated_at)
			VALUES (?, ?, ?, ?, ?, 'INITIATED', ?)`,
			c.ID, c.ConversationID, c.CallerID, c.CalleeID, c.Kind, nanos(now)); err != nil {
			return fmt.Errorf("failed to create call: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetCall fetches a call by id.
func (s *Store) GetCall(ctx context.Context, id string) (*Call, error) {
	row := s.db.QueryRowContext(ctx, callColumns+` WHERE id = ?`, id)
	return scanCall(row)
}

// TransitionCall moves a call from the expected state to the next one with a
// compare-and-swap so concurrent transitions cannot race: the UPDATE matches
// on both id and current state, and zero affected rows means someone else
// got there first. The per-state timestamp column is stamped alongside.
func (s *Store) TransitionCall(ctx context.Context, id string, from, to CallState) (*Call, error) {
	stamp := ""
	switch to {
	case CallRinging:
		stamp = ", ringing_at = ?"
	case CallActive:
		stamp = ", accepted_at = ?"
	case CallEnded, CallRejected, CallMissed:
		stamp = ", ended_at = ?"
	}

	query := `UPDATE calls SET state = ?` + stamp + ` WHERE id = ? AND state = ?`
	args := []any{to}
	if stamp != "" {
		args = append(args, nanos(time.Now()))
	}
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetCall(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrInvalidTransition
	}
	return s.GetCall(ctx, id)
}

// ActiveCallForUser returns the user's call in a non-terminal state, or
// ErrNotFound. A user can be in at most one live call.
func (s *Store) ActiveCallForUser(ctx context.Context, userID string) (*Call, error) {
	row := s.db.QueryRowContext(ctx, callColumns+`
		WHERE (caller_id = ? OR callee_id = ?)
		  AND state IN ('INITIATED', 'RINGING', 'ACTIVE')
		ORDER BY initiated_at DESC LIMIT 1`, userID, userID)
	return scanCall(row)
}

const callColumns = `
	SELECT id, conversation_id, caller_id, callee_id, kind, state,
	       initiated_at, ringing_at, accepted_at, ended_at
	FROM calls`

func scanCall(row rowScanner) (*Call, error) {
	var (
		c           Call
		initiatedAt int64
		ringingAt   sql.NullInt64
		acceptedAt  sql.NullInt64
		endedAt     sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.ConversationID, &c.CallerID, &c.CalleeID, &c.Kind, &c.State,
		&initiatedAt, &ringingAt, &acceptedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}
	c.InitiatedAt = fromNanos(initiatedAt)
	c.RingingAt = timePtr(ringingAt)
	c.AcceptedAt = timePtr(acceptedAt)
	c.EndedAt = timePtr(endedAt)
	return &c, nil
}
