package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrUnknownEvent is returned by Decode for event types not in the vocabulary.
var ErrUnknownEvent = errors.New("unknown event type")

// ErrInvalidPayload wraps schema validation failures so callers can map them
// to the invalid_argument kind without inspecting validator internals.
var ErrInvalidPayload = errors.New("invalid payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// payloadFactories maps each client event to a constructor for its payload
// struct. Decode is the single point where raw frames become typed values.
var payloadFactories = map[string]func() any{
	EvtJoinConversation:   func() any { return &JoinConversationPayload{} },
	EvtLeaveConversation:  func() any { return &LeaveConversationPayload{} },
	EvtCreateConversation: func() any { return &CreateConversationPayload{} },
	EvtUpdateGroup:        func() any { return &UpdateGroupPayload{} },
	EvtAddMember:          func() any { return &MemberPayload{} },
	EvtRemoveMember:       func() any { return &MemberPayload{} },
	EvtPromoteMember:      func() any { return &PromoteMemberPayload{} },
	EvtPinConversation:    func() any { return &PinConversationPayload{} },
	EvtMuteConversation:   func() any { return &MuteConversationPayload{} },
	EvtFetchHistory:       func() any { return &FetchHistoryPayload{} },
	EvtSendMessage:        func() any { return &SendMessagePayload{} },
	EvtEditMessage:        func() any { return &EditMessagePayload{} },
	EvtDeleteMessage:      func() any { return &DeleteMessagePayload{} },
	EvtMessageReaction:    func() any { return &MessageReactionPayload{} },
	EvtMessageRead:        func() any { return &MessageReadPayload{} },
	EvtMessageDelivered:   func() any { return &MessageDeliveredPayload{} },
	EvtTypingStart:        func() any { return &TypingPayload{} },
	EvtTypingStop:         func() any { return &TypingPayload{} },
	EvtStopGeneration:     func() any { return &StopGenerationPayload{} },
	EvtRegenerateResponse: func() any { return &RegenerateResponsePayload{} },
	EvtCallInitiate:       func() any { return &CallInitiatePayload{} },
	EvtCallAccept:         func() any { return &CallActionPayload{} },
	EvtCallReject:         func() any { return &CallActionPayload{} },
	EvtCallEnd:            func() any { return &CallActionPayload{} },
	EvtCallOffer:          func() any { return &CallOfferPayload{} },
	EvtCallAnswer:         func() any { return &CallAnswerPayload{} },
	EvtCallICECandidate:   func() any { return &CallICECandidatePayload{} },
}

// Decode unmarshals and validates the payload of an inbound envelope.
// The returned value is a pointer to the payload struct for the event type.
func Decode(env Envelope) (any, error) {
	factory, ok := payloadFactories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	payload := factory()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return payload, nil
}
