package events

import (
	"encoding/json"
	"time"
)

// --- Client -> Server payloads ---

type JoinConversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type LeaveConversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type CreateConversationPayload struct {
	Kind         string   `json:"kind" validate:"required,oneof=DIRECT GROUP AI_CHAT"`
	MemberIDs    []string `json:"memberIds" validate:"dive,required"`
	Title        string   `json:"title" validate:"max=120"`
	SystemPrompt string   `json:"systemPrompt" validate:"max=4000"`
}

type UpdateGroupPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Title          string `json:"title" validate:"max=120"`
	AvatarURL      string `json:"avatarUrl" validate:"omitempty,url"`
}

type MemberPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	UserID         string `json:"userId" validate:"required"`
}

type PromoteMemberPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	UserID         string `json:"userId" validate:"required"`
	Role           string `json:"role" validate:"required,oneof=ADMIN OWNER"`
}

type PinConversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Pinned         bool   `json:"pinned"`
}

type MuteConversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Muted          bool   `json:"muted"`
}

type FetchHistoryPayload struct {
	ConversationID string     `json:"conversationId" validate:"required"`
	Before         *time.Time `json:"before,omitempty"`
	Limit          int        `json:"limit" validate:"min=0,max=100"`
}

type SendMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Content        string `json:"content" validate:"required,max=4000"`
	Kind           string `json:"kind" validate:"omitempty,oneof=TEXT IMAGE VIDEO AUDIO FILE"`
	ReplyToID      string `json:"replyToId,omitempty"`
	Attachment     string `json:"attachment,omitempty" validate:"max=2048"`
}

type EditMessagePayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Content   string `json:"content" validate:"required,max=4000"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId" validate:"required"`
}

type MessageReactionPayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=16"`
}

type MessageReadPayload struct {
	ConversationID string     `json:"conversationId" validate:"required"`
	UpTo           *time.Time `json:"upTo,omitempty"`
}

type MessageDeliveredPayload struct {
	MessageID string `json:"messageId" validate:"required"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type StopGenerationPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type RegenerateResponsePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type CallInitiatePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	CalleeID       string `json:"calleeId" validate:"required"`
	Kind           string `json:"type" validate:"required,oneof=AUDIO VIDEO"`
}

type CallActionPayload struct {
	CallID string `json:"callId" validate:"required"`
}

// Signaling payloads: SDP and ICE blobs are opaque to the core and forwarded
// by value between exactly the two call participants.

type CallOfferPayload struct {
	CallID string          `json:"callId" validate:"required"`
	Offer  json.RawMessage `json:"offer" validate:"required"`
}

type CallAnswerPayload struct {
	CallID string          `json:"callId" validate:"required"`
	Answer json.RawMessage `json:"answer" validate:"required"`
}

type CallICECandidatePayload struct {
	CallID    string          `json:"callId" validate:"required"`
	Candidate json.RawMessage `json:"candidate" validate:"required"`
}

// --- Server -> Client payloads ---

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type PresenceEvent struct {
	UserID     string     `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

type AIStreamStartEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type AIStreamChunkEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Chunk          string `json:"chunk"`
}

type AIStreamEndEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	FullContent    string `json:"fullContent"`
}

type AIStreamErrorEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	Error          string `json:"error"`
}

type MessageStatusEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Status         string `json:"status"`
}

type MessageDeletedEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type ReactionEntry struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

type ReactionUpdateEvent struct {
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId"`
	Reactions      []ReactionEntry `json:"reactions"`
}

type CallRingingEvent struct {
	CallID         string `json:"callId"`
	ConversationID string `json:"conversationId"`
	CallerID       string `json:"callerId"`
	CalleeID       string `json:"calleeId"`
	Kind           string `json:"type"`
}

type CallStateEvent struct {
	CallID string `json:"callId"`
	State  string `json:"state"`
}

type HistoryEvent struct {
	ConversationID string `json:"conversationId"`
	Messages       any    `json:"messages"`
	HasMore        bool   `json:"hasMore"`
}

type GroupMemberEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	ActorID        string `json:"actorId"`
	Role           string `json:"role,omitempty"`
}

// ConversationUpdateEvent goes to each member's personal room with that
// member's own unread count.
type ConversationUpdateEvent struct {
	Conversation any `json:"conversation"`
	UnreadCount  int `json:"unreadCount"`
}
