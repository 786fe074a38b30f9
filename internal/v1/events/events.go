// Package events is the shared wire-format layer: the JSON envelope, the
// event vocabulary, typed payloads with validation, error kinds, and the
// ack/dedup machinery.
//
// Every frame on the socket is an Envelope: {type, data, messageId?} encoded
// as UTF-8 JSON. Events where the client needs a definite outcome carry a
// messageId and are answered with event:ack; broadcasts are fire-and-forget.
package events

import (
	"context"
	"encoding/json"

	"github.com/harmonychat/harmony/internal/v1/logging"
	"go.uber.org/zap"
)

// Envelope is the outer frame for every wire event in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// New builds an envelope with the payload marshalled into Data.
// Payloads are plain structs owned by this process; a marshal failure is a
// programming error and produces an empty-data envelope plus an error log.
func New(eventType string, data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal event payload",
			zap.String("event", eventType), zap.Error(err))
		return Envelope{Type: eventType}
	}
	return Envelope{Type: eventType, Data: raw}
}

// Client -> Server event types.
const (
	EvtJoinConversation    = "join-conversation"
	EvtLeaveConversation   = "leave-conversation"
	EvtCreateConversation  = "create-conversation"
	EvtUpdateGroup         = "update-group"
	EvtAddMember           = "add-member"
	EvtRemoveMember        = "remove-member"
	EvtPromoteMember       = "promote-member"
	EvtPinConversation     = "pin-conversation"
	EvtMuteConversation    = "mute-conversation"
	EvtFetchHistory        = "fetch-history"
	EvtSendMessage         = "send-message"
	EvtEditMessage         = "edit-message"
	EvtDeleteMessage       = "delete-message"
	EvtMessageReaction     = "message-reaction"
	EvtMessageRead         = "message-read"
	EvtMessageDelivered    = "message-delivered"
	EvtTypingStart         = "typing-start"
	EvtTypingStop          = "typing-stop"
	EvtStopGeneration      = "stop-generation"
	EvtRegenerateResponse  = "regenerate-response"
	EvtCallInitiate        = "call-initiate"
	EvtCallAccept          = "call-accept"
	EvtCallReject          = "call-reject"
	EvtCallEnd             = "call-end"
	EvtCallOffer           = "call-offer"
	EvtCallAnswer          = "call-answer"
	EvtCallICECandidate    = "call-ice-candidate"
)

// Server -> Client event types.
const (
	EvtNewMessage             = "new-message"
	EvtMessageUpdated         = "message-updated"
	EvtMessageDeleted         = "message-deleted"
	EvtMessageReactionUpdated = "message-reaction-updated"
	EvtMessageStatusUpdate    = "message-status-update"
	EvtHistory                = "history"
	EvtAIStreamStart          = "ai-stream-start"
	EvtAIStreamChunk          = "ai-stream-chunk"
	EvtAIStreamEnd            = "ai-stream-end"
	EvtAIStreamError          = "ai-stream-error"
	EvtTyping                 = "typing"
	EvtUserOnline             = "user-online"
	EvtUserOffline            = "user-offline"
	EvtConversationCreated    = "conversation-created"
	EvtConversationUpdated    = "conversation-updated"
	EvtGroupMemberAdded       = "group-member-added"
	EvtGroupMemberRemoved     = "group-member-removed"
	EvtGroupUpdated           = "group-updated"
	EvtCallRinging            = "call-ringing"
	EvtCallAccepted           = "call-accepted"
	EvtCallRejected           = "call-rejected"
	EvtCallEnded              = "call-ended"
	EvtNewNotification        = "new-notification"
	EvtError                  = "error"
	EvtAck                    = "event:ack"
)

// ErrorKind is the closed set of error codes surfaced to clients.
type ErrorKind string

const (
	KindUnauthenticated  ErrorKind = "unauthenticated"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindNotFound         ErrorKind = "not_found"
	KindInvalidArgument  ErrorKind = "invalid_argument"
	KindInvalidCallState ErrorKind = "invalid_call_state"
	KindUserBusy         ErrorKind = "user_busy"
	KindAIStreamBusy     ErrorKind = "ai_stream_busy"
	KindRateLimited      ErrorKind = "rate_limited"
	KindInternal         ErrorKind = "internal"
)

// ErrorPayload is sent as the data of an "error" event, or nested in an ack.
// Ref carries the messageId of the inbound event that failed, when present.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	Ref     string    `json:"ref,omitempty"`
}

// AckPayload is the response to an ack-style client event.
type AckPayload struct {
	MessageID string        `json:"messageId"`
	Success   bool          `json:"success"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

// NewError builds a targeted error envelope for the originating socket.
func NewError(kind ErrorKind, message, ref string) Envelope {
	return New(EvtError, ErrorPayload{Kind: kind, Message: message, Ref: ref})
}

// NewAck builds an event:ack envelope for the given inbound messageId.
func NewAck(messageID string, success bool, errPayload *ErrorPayload) Envelope {
	return New(EvtAck, AckPayload{MessageID: messageID, Success: success, Error: errPayload})
}
