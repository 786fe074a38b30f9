package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by the facade. The gateway maps these to the
// client-visible error kinds; nothing above the store inspects SQL errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrNotMember         = errors.New("not a member of the conversation")
	ErrForbidden         = errors.New("actor lacks the required role")
	ErrInvalidTransition = errors.New("call state transition rejected")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrLastOwner         = errors.New("last owner cannot leave the conversation")
	ErrUserBusy          = errors.New("participant already has a live call")
)

// ConversationKind discriminates the three conversation shapes.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "DIRECT"
	ConversationGroup  ConversationKind = "GROUP"
	ConversationAIChat ConversationKind = "AI_CHAT"
)

// Role is a member's permission level within a conversation.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// MessageKind discriminates message content types.
type MessageKind string

const (
	MessageText       MessageKind = "TEXT"
	MessageImage      MessageKind = "IMAGE"
	MessageVideo      MessageKind = "VIDEO"
	MessageAudio      MessageKind = "AUDIO"
	MessageFile       MessageKind = "FILE"
	MessageSystem     MessageKind = "SYSTEM"
	MessageAIResponse MessageKind = "AI_RESPONSE"
)

// MessageStatus is the aggregate delivery state of a message. It only ever
// advances SENT -> DELIVERED -> READ.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

// CallKind is the media type requested for a call.
type CallKind string

const (
	CallAudio CallKind = "AUDIO"
	CallVideo CallKind = "VIDEO"
)

// CallState is the authoritative call state machine position.
type CallState string

const (
	CallInitiated CallState = "INITIATED"
	CallRinging   CallState = "RINGING"
	CallActive    CallState = "ACTIVE"
	CallEnded     CallState = "ENDED"
	CallRejected  CallState = "REJECTED"
	CallMissed    CallState = "MISSED"
)

// IsTerminal reports whether the state admits no further transitions.
func (s CallState) IsTerminal() bool {
	return s == CallEnded || s == CallRejected || s == CallMissed
}

// NotificationKind enumerates in-app notification categories.
type NotificationKind string

const (
	NotifyNewMessage NotificationKind = "NEW_MESSAGE"
	NotifyMention    NotificationKind = "MENTION"
	NotifyCallMissed NotificationKind = "CALL_MISSED"
	NotifyAIComplete NotificationKind = "AI_COMPLETE"
)

// User is the local mirror of an externally-owned identity.
type User struct {
	ID         string     `json:"userId"`
	Email      string     `json:"email,omitempty"`
	Name       string     `json:"name,omitempty"`
	AvatarURL  string     `json:"avatarUrl,omitempty"`
	Bio        string     `json:"bio,omitempty"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Conversation is a container of memberships and messages.
type Conversation struct {
	ID           string           `json:"conversationId"`
	Kind         ConversationKind `json:"type"`
	Title        string           `json:"title,omitempty"`
	AvatarURL    string           `json:"avatarUrl,omitempty"`
	CreatedByID  string           `json:"createdById"`
	SystemPrompt string           `json:"systemPrompt,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Membership is a user's relationship to a conversation.
type Membership struct {
	ConversationID string     `json:"conversationId"`
	UserID         string     `json:"userId"`
	Role           Role       `json:"role"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
	IsPinned       bool       `json:"isPinned"`
	IsMuted        bool       `json:"isMuted"`
	UnreadCount    int        `json:"unreadCount"`
}

// Message is a chat message. SenderID is nil for AI and system messages.
// Deletion is a tombstone: content cleared, row kept.
type Message struct {
	ID             string        `json:"messageId"`
	ConversationID string        `json:"conversationId"`
	SenderID       *string       `json:"senderId"`
	Kind           MessageKind   `json:"type"`
	Content        string        `json:"content"`
	Attachment     string        `json:"attachment,omitempty"`
	ReplyToID      *string       `json:"replyToId,omitempty"`
	Status         MessageStatus `json:"status"`
	IsEdited       bool          `json:"isEdited"`
	IsDeleted      bool          `json:"isDeleted"`
	TokenCount     *int          `json:"tokenCount,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
}

// Reaction is a single (message, user, emoji) toggle.
type Reaction struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// Call is a two-party signaling session record.
type Call struct {
	ID             string     `json:"callId"`
	ConversationID string     `json:"conversationId"`
	CallerID       string     `json:"callerId"`
	CalleeID       string     `json:"calleeId"`
	Kind           CallKind   `json:"type"`
	State          CallState  `json:"state"`
	InitiatedAt    time.Time  `json:"initiatedAt"`
	RingingAt      *time.Time `json:"ringingAt,omitempty"`
	AcceptedAt     *time.Time `json:"acceptedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// PeerOf returns the other participant, or "" if userID is not a participant.
func (c *Call) PeerOf(userID string) string {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	default:
		return ""
	}
}

// Notification is an in-app notification for a recipient.
type Notification struct {
	ID        string           `json:"notificationId"`
	UserID    string           `json:"userId"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title,omitempty"`
	Body      string           `json:"body,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
}
