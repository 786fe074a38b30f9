package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateConversation creates a conversation with its initial memberships in
// one transaction. Shape invariants are enforced here:
//
//	DIRECT  — creator plus exactly one other member, deduplicated per pair
//	GROUP   — creator becomes OWNER, any number of initial members
//	AI_CHAT — creator is the only human member
//
// For DIRECT, an existing conversation between the pair is returned instead
// of creating a second one.
func (s *Store) CreateConversation(ctx context.Context, kind ConversationKind, creatorID string, memberIDs []string, title, systemPrompt string) (*Conversation, error) {
	others := dedupeExcluding(memberIDs, creatorID)

	switch kind {
	case ConversationDirect:
		if len(others) != 1 {
			return nil, fmt.Errorf("%w: direct conversation needs exactly one other member", ErrInvalidArgument)
		}
		if existing, err := s.FindDirectConversation(ctx, creatorID, others[0]); err == nil {
			return existing, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	case ConversationGroup:
		// Groups may start with just the owner.
	case ConversationAIChat:
		if len(others) != 0 {
			return nil, fmt.Errorf("%w: ai conversation has a single human member", ErrInvalidArgument)
		}
	default:
		return nil, fmt.Errorf("%w: unknown conversation kind %q", ErrInvalidArgument, kind)
	}

	now := time.Now()
	conv := &Conversation{
		ID:           uuid.NewString(),
		Kind:         kind,
		Title:        title,
		CreatedByID:  creatorID,
		SystemPrompt: systemPrompt,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}

	creatorRole := RoleOwner
	memberRole := RoleMember
	if kind == ConversationDirect {
		// Direct conversations have no hierarchy.
		creatorRole, memberRole = RoleMember, RoleMember
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, kind, title, avatar_url, created_by, system_prompt, created_at, updated_at)
			VALUES (?, ?, ?, '', ?, ?, ?, ?)`,
			conv.ID, conv.Kind, conv.Title, conv.CreatedByID, conv.SystemPrompt, nanos(now), nanos(now)); err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		if err := insertMembership(ctx, tx, conv.ID, creatorID, creatorRole, now); err != nil {
			return err
		}
		for _, id := range others {
			if err := insertMembership(ctx, tx, conv.ID, id, memberRole, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func insertMembership(ctx context.Context, tx *sql.Tx, convID, userID string, role Role, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memberships (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)`,
		convID, userID, role, nanos(now)); err != nil {
		return fmt.Errorf("failed to insert membership for %s: %w", userID, err)
	}
	return nil
}

// FindDirectConversation returns the DIRECT conversation between the two
// users, or ErrNotFound.
func (s *Store) FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.kind, c.title, c.avatar_url, c.created_by, c.system_prompt, c.created_at, c.updated_at
		FROM conversations c
		JOIN memberships ma ON ma.conversation_id = c.id AND ma.user_id = ?
		JOIN memberships mb ON mb.conversation_id = c.id AND mb.user_id = ?
		WHERE c.kind = 'DIRECT'
		LIMIT 1`, userA, userB)
	return scanConversation(row)
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, title, avatar_url, created_by, system_prompt, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetMembership fetches one member's row, or ErrNotMember if the user does
// not belong to the conversation.
func (s *Store) GetMembership(ctx context.Context, convID, userID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, role, joined_at, last_read_at, is_pinned, is_muted, unread_count
		FROM memberships WHERE conversation_id = ? AND user_id = ?`, convID, userID)
	m, err := scanMembership(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotMember
	}
	return m, err
}

// IsMember reports whether the user belongs to the conversation.
func (s *Store) IsMember(ctx context.Context, convID, userID string) (bool, error) {
	_, err := s.GetMembership(ctx, convID, userID)
	if errors.Is(err, ErrNotMember) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListMemberIDs returns the user ids of all members of a conversation.
func (s *Store) ListMemberIDs(ctx context.Context, convID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM memberships WHERE conversation_id = ? ORDER BY joined_at`, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListMemberships returns full membership rows for a conversation.
func (s *Store) ListMemberships(ctx context.Context, convID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, joined_at, last_read_at, is_pinned, is_muted, unread_count
		FROM memberships WHERE conversation_id = ? ORDER BY joined_at`, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListUserConversationIDs returns the ids of every conversation the user
// belongs to. Presence uses this to target online and offline broadcasts.
func (s *Store) ListUserConversationIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id FROM memberships WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations for %s: %w", userID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddMember adds a user to a GROUP conversation as MEMBER. Adding an
// existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, convID, userID string) error {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv.Kind != ConversationGroup {
		return fmt.Errorf("%w: members can only be added to groups", ErrInvalidArgument)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memberships (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, 'MEMBER', ?)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		convID, userID, nanos(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to add member %s: %w", userID, err)
	}
	return nil
}

// RemoveMember removes a user from a GROUP conversation. The last OWNER
// cannot be removed while other members remain.
func (s *Store) RemoveMember(ctx context.Context, convID, userID string) error {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv.Kind != ConversationGroup {
		return fmt.Errorf("%w: members can only be removed from groups", ErrInvalidArgument)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var role Role
		err := tx.QueryRowContext(ctx,
			`SELECT role FROM memberships WHERE conversation_id = ? AND user_id = ?`,
			convID, userID).Scan(&role)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotMember
		}
		if err != nil {
			return fmt.Errorf("failed to load membership: %w", err)
		}

		if role == RoleOwner {
			var owners, members int
			if err := tx.QueryRowContext(ctx, `
				SELECT
					COUNT(CASE WHEN role = 'OWNER' THEN 1 END),
					COUNT(*)
				FROM memberships WHERE conversation_id = ?`, convID).Scan(&owners, &members); err != nil {
				return fmt.Errorf("failed to count owners: %w", err)
			}
			if owners == 1 && members > 1 {
				return ErrLastOwner
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memberships WHERE conversation_id = ? AND user_id = ?`,
			convID, userID); err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}
		return nil
	})
}

// PromoteMember changes a group member's role.
func (s *Store) PromoteMember(ctx context.Context, convID, userID string, role Role) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET role = ? WHERE conversation_id = ? AND user_id = ?`,
		role, convID, userID)
	if err != nil {
		return fmt.Errorf("failed to change role for %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotMember
	}
	return nil
}

// UpdateGroup applies title and avatar changes to a GROUP conversation.
func (s *Store) UpdateGroup(ctx context.Context, convID, title, avatarURL string) (*Conversation, error) {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != ConversationGroup {
		return nil, fmt.Errorf("%w: only groups can be renamed", ErrInvalidArgument)
	}
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, avatar_url = ?, updated_at = ? WHERE id = ?`,
		title, avatarURL, nanos(now), convID); err != nil {
		return nil, fmt.Errorf("failed to update group: %w", err)
	}
	conv.Title = title
	conv.AvatarURL = avatarURL
	conv.UpdatedAt = now.UTC()
	return conv, nil
}

// SetPinned toggles the per-member pinned flag.
func (s *Store) SetPinned(ctx context.Context, convID, userID string, pinned bool) error {
	return s.setMembershipFlag(ctx, convID, userID, "is_pinned", pinned)
}

// SetMuted toggles the per-member muted flag. Muted members still receive
// realtime events but no notifications.
func (s *Store) SetMuted(ctx context.Context, convID, userID string, muted bool) error {
	return s.setMembershipFlag(ctx, convID, userID, "is_muted", muted)
}

func (s *Store) setMembershipFlag(ctx context.Context, convID, userID, column string, value bool) error {
	v := 0
	if value {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE memberships SET %s = ? WHERE conversation_id = ? AND user_id = ?`, column),
		v, convID, userID)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotMember
	}
	return nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c         Conversation
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&c.ID, &c.Kind, &c.Title, &c.AvatarURL, &c.CreatedByID, &c.SystemPrompt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	return &c, nil
}

func scanMembership(row rowScanner) (*Membership, error) {
	var (
		m        Membership
		joinedAt int64
		lastRead sql.NullInt64
		pinned   int
		muted    int
	)
	err := row.Scan(&m.ConversationID, &m.UserID, &m.Role, &joinedAt, &lastRead, &pinned, &muted, &m.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan membership: %w", err)
	}
	m.JoinedAt = fromNanos(joinedAt)
	m.LastReadAt = timePtr(lastRead)
	m.IsPinned = pinned != 0
	m.IsMuted = muted != 0
	return &m, nil
}

func dedupeExcluding(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
