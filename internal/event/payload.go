package event

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed body of an event. Each event type has exactly
// one payload variant; decoding selects the variant from the type tag.
type Payload interface {
	payloadType() Type
}

// NotificationPayload accompanies TypeNotification events.
type NotificationPayload struct {
	Category string         `json:"category,omitempty"`
	Link     string         `json:"link,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func (NotificationPayload) payloadType() Type { return TypeNotification }

// StatusUpdatePayload describes a business-entity state change.
type StatusUpdatePayload struct {
	Entity         string `json:"entity"` // "transaction", "document", ...
	EntityID       string `json:"entity_id"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
}

func (StatusUpdatePayload) payloadType() Type { return TypeStatusUpdate }

// CoordinationPayload accompanies TypeCoordinationRequest events, such
// as room invitations and cross-party coordination updates.
type CoordinationPayload struct {
	TransactionID string   `json:"transaction_id,omitempty"`
	ProjectID     string   `json:"project_id,omitempty"`
	Action        string   `json:"action"` // "invite", "update", "escalate"
	RoomID        string   `json:"room_id,omitempty"`
	Participants  []string `json:"participants,omitempty"`
}

func (CoordinationPayload) payloadType() Type { return TypeCoordinationRequest }

// TaskUpdatePayload describes task progress.
type TaskUpdatePayload struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	AssignedTo string `json:"assigned_to,omitempty"`
	Milestone  string `json:"milestone,omitempty"`
	Progress   int    `json:"progress,omitempty"` // percent complete
}

func (TaskUpdatePayload) payloadType() Type { return TypeTaskUpdate }

// ChatPayload carries a live chat line.
type ChatPayload struct {
	Text     string `json:"text"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (ChatPayload) payloadType() Type { return TypeLiveChat }

// SystemAlertPayload accompanies TypeSystemAlert events: membership
// changes, history replay on join, and operational notices.
type SystemAlertPayload struct {
	Reason string `json:"reason"` // "member_joined", "member_left", "history_replay", ...
	UserID string `json:"user_id,omitempty"`
	Role   Role   `json:"role,omitempty"`

	// History is populated only for history_replay alerts delivered to
	// a joining connection.
	History []*Event `json:"history,omitempty"`
}

func (SystemAlertPayload) payloadType() Type { return TypeSystemAlert }

// DecodePayload decodes raw payload JSON into the variant for typ.
// Used wherever payloads arrive separately from a full event envelope,
// such as API request bodies.
func DecodePayload(typ Type, raw json.RawMessage) (Payload, error) {
	return decodePayload(typ, raw)
}

// decodePayload decodes raw payload JSON into the variant for typ.
func decodePayload(typ Type, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch typ {
	case TypeNotification:
		var v NotificationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeStatusUpdate:
		var v StatusUpdatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeCoordinationRequest:
		var v CoordinationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeTaskUpdate:
		var v TaskUpdatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeLiveChat:
		var v ChatPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeSystemAlert:
		var v SystemAlertPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return p, nil
}
