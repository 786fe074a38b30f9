package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendMessage persists a message in one transaction: verify the sender is
// a member (skipped for AI and system messages with a nil sender), insert
// the row, touch the conversation, and bump every other member's unread
// counter. The ID may be preassigned; AI streaming allocates it before the
// stream starts so chunk events and the stored row agree.
func (s *Store) AppendMessage(ctx context.Context, m *Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Kind == "" {
		m.Kind = MessageText
	}
	m.Status = StatusSent
	m.CreatedAt = time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if m.SenderID != nil {
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM memberships WHERE conversation_id = ? AND user_id = ?`,
				m.ConversationID, *m.SenderID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotMember
			}
			if err != nil {
				return fmt.Errorf("failed to check membership: %w", err)
			}
		}

		if m.ReplyToID != nil {
			var parentConv string
			err := tx.QueryRowContext(ctx,
				`SELECT conversation_id FROM messages WHERE id = ?`, *m.ReplyToID).Scan(&parentConv)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && parentConv != m.ConversationID) {
				return fmt.Errorf("%w: reply target not in this conversation", ErrInvalidArgument)
			}
			if err != nil {
				return fmt.Errorf("failed to check reply target: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, kind, content, attachment, reply_to_id, status, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'SENT', ?, ?)`,
			m.ID, m.ConversationID, nullString(m.SenderID), m.Kind, m.Content, m.Attachment,
			nullString(m.ReplyToID), nullInt(m.TokenCount), nanos(m.CreatedAt)); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			nanos(m.CreatedAt), m.ConversationID); err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}

		bump := `UPDATE memberships SET unread_count = unread_count + 1 WHERE conversation_id = ?`
		args := []any{m.ConversationID}
		if m.SenderID != nil {
			bump += ` AND user_id <> ?`
			args = append(args, *m.SenderID)
		}
		if _, err := tx.ExecContext(ctx, bump, args...); err != nil {
			return fmt.Errorf("failed to bump unread counts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage fetches a message by id, tombstoned or not.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, messageColumns+` WHERE id = ?`, id)
	return scanMessage(row)
}

// EditMessage replaces a message's content. Only the original sender may
// edit, and tombstoned messages are immutable.
func (s *Store) EditMessage(ctx context.Context, id, actorID, content string) (*Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, ErrNotFound
	}
	if m.SenderID == nil || *m.SenderID != actorID {
		return nil, ErrForbidden
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, is_edited = 1, edited_at = ? WHERE id = ?`,
		content, nanos(now), id); err != nil {
		return nil, fmt.Errorf("failed to edit message: %w", err)
	}
	m.Content = content
	m.IsEdited = true
	m.EditedAt = &now
	return m, nil
}

// DeleteMessage tombstones a message: content cleared, row kept so replies
// stay anchored. Allowed for the sender, or for group OWNER and ADMIN.
func (s *Store) DeleteMessage(ctx context.Context, id, actorID string) (*Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return m, nil
	}

	allowed := m.SenderID != nil && *m.SenderID == actorID
	if !allowed {
		membership, err := s.GetMembership(ctx, m.ConversationID, actorID)
		if err != nil {
			return nil, err
		}
		allowed = membership.Role == RoleOwner || membership.Role == RoleAdmin
	}
	if !allowed {
		return nil, ErrForbidden
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = '', attachment = '', is_deleted = 1 WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	m.Content = ""
	m.Attachment = ""
	m.IsDeleted = true
	return m, nil
}

// TombstoneMessage tombstones a message without an author check. Callers
// enforce access themselves; regenerate uses this for assistant messages,
// which have no sender to match against.
func (s *Store) TombstoneMessage(ctx context.Context, id string) (*Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return m, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = '', attachment = '', is_deleted = 1 WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	m.Content = ""
	m.Attachment = ""
	m.IsDeleted = true
	return m, nil
}

// ToggleReaction adds the (user, emoji) reaction if absent, removes it if
// present, and returns the message's full reaction list afterwards.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]Reaction, error) {
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return nil, err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
			messageID, userID, emoji)
		if err != nil {
			return fmt.Errorf("failed to toggle reaction: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)`,
			messageID, userID, emoji, nanos(time.Now())); err != nil {
			return fmt.Errorf("failed to add reaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.ListReactions(ctx, messageID)
}

// ListReactions returns all reactions on a message in insertion order.
func (s *Store) ListReactions(ctx context.Context, messageID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at
		FROM reactions WHERE message_id = ? ORDER BY created_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactions: %w", err)
	}
	defer rows.Close()

	reactions := []Reaction{}
	for rows.Next() {
		var (
			r         Reaction
			createdAt int64
		)
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}
		r.CreatedAt = fromNanos(createdAt)
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

// MarkRead advances the reader's last_read_at watermark, resets their unread
// counter, and returns the messages whose aggregate status just became READ.
// The watermark only moves forward; a stale upTo is a no-op for the
// watermark but still clears the counter.
func (s *Store) MarkRead(ctx context.Context, convID, readerID string, upTo time.Time) (time.Time, []Message, error) {
	var (
		watermark time.Time
		nowRead   []Message
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var prev sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT last_read_at FROM memberships WHERE conversation_id = ? AND user_id = ?`,
			convID, readerID).Scan(&prev)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotMember
		}
		if err != nil {
			return fmt.Errorf("failed to load watermark: %w", err)
		}

		mark := nanos(upTo)
		if prev.Valid && prev.Int64 > mark {
			mark = prev.Int64
		}
		watermark = fromNanos(mark)

		if _, err := tx.ExecContext(ctx, `
			UPDATE memberships SET last_read_at = ?, unread_count = 0
			WHERE conversation_id = ? AND user_id = ?`,
			mark, convID, readerID); err != nil {
			return fmt.Errorf("failed to advance watermark: %w", err)
		}

		// A message is READ once every member other than its sender has a
		// watermark at or past its creation time.
		rows, err := tx.QueryContext(ctx, messageColumns+` m
			WHERE m.conversation_id = ?
			  AND m.is_deleted = 0
			  AND m.status <> 'READ'
			  AND NOT EXISTS (
				SELECT 1 FROM memberships mm
				WHERE mm.conversation_id = m.conversation_id
				  AND (m.sender_id IS NULL OR mm.user_id <> m.sender_id)
				  AND (mm.last_read_at IS NULL OR mm.last_read_at < m.created_at)
			  )
			ORDER BY m.created_at`, convID)
		if err != nil {
			return fmt.Errorf("failed to find newly read messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			nowRead = append(nowRead, *m)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for i := range nowRead {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET status = 'READ' WHERE id = ?`, nowRead[i].ID); err != nil {
				return fmt.Errorf("failed to mark message read: %w", err)
			}
			nowRead[i].Status = StatusRead
		}
		return nil
	})
	if err != nil {
		return time.Time{}, nil, err
	}
	return watermark, nowRead, nil
}

// MarkDelivered advances a message from SENT to DELIVERED. Returns the
// message and whether the status actually changed; DELIVERED and READ
// messages are left alone so the status never regresses.
func (s *Store) MarkDelivered(ctx context.Context, messageID string) (*Message, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'DELIVERED' WHERE id = ? AND status = 'SENT'`, messageID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	return m, n > 0, nil
}

// DefaultHistoryLimit is the page size when the client does not ask for one.
const DefaultHistoryLimit = 50

// ListHistory returns up to limit messages created strictly before the
// cursor, oldest first within the page. A nil cursor starts from the latest
// message.
func (s *Store) ListHistory(ctx context.Context, convID string, before *time.Time, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = DefaultHistoryLimit
	}
	cursor := int64(1<<63 - 1)
	if before != nil {
		cursor = nanos(*before)
	}

	rows, err := s.db.QueryContext(ctx, messageColumns+`
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC LIMIT ?`, convID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var page []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; the page itself is oldest-first.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// ListContext returns the most recent non-deleted messages oldest first,
// used to build the AI prompt window.
func (s *Store) ListContext(ctx context.Context, convID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, messageColumns+`
		WHERE conversation_id = ? AND is_deleted = 0
		ORDER BY created_at DESC LIMIT ?`, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list context: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastAIResponse returns the most recent non-deleted AI message in the
// conversation, used by regenerate.
func (s *Store) LastAIResponse(ctx context.Context, convID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, messageColumns+`
		WHERE conversation_id = ? AND kind = 'AI_RESPONSE' AND is_deleted = 0
		ORDER BY created_at DESC LIMIT 1`, convID)
	return scanMessage(row)
}

const messageColumns = `
	SELECT id, conversation_id, sender_id, kind, content, attachment, reply_to_id,
	       status, is_edited, is_deleted, token_count, created_at, edited_at
	FROM messages`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m          Message
		senderID   sql.NullString
		replyToID  sql.NullString
		isEdited   int
		isDeleted  int
		tokenCount sql.NullInt64
		createdAt  int64
		editedAt   sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.ConversationID, &senderID, &m.Kind, &m.Content, &m.Attachment,
		&replyToID, &m.Status, &isEdited, &isDeleted, &tokenCount, &createdAt, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.SenderID = stringPtr(senderID)
	m.ReplyToID = stringPtr(replyToID)
	m.IsEdited = isEdited != 0
	m.IsDeleted = isDeleted != 0
	m.TokenCount = intPtr(tokenCount)
	m.CreatedAt = fromNanos(createdAt)
	m.EditedAt = timePtr(editedAt)
	return &m, nil
}
