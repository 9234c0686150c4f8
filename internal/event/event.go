// Package event defines the unit of transmission for the coordination
// engine: typed events with priorities, routing targets, and a tagged
// payload union keyed by event type.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is the professional role attached to a connection or sender.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleDeveloper Role = "developer"
	RoleAgent     Role = "agent"
	RoleSolicitor Role = "solicitor"
	RoleLender    Role = "lender"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks whether the role is a known value.
func (r Role) IsValid() bool {
	switch r {
	case RoleBuyer, RoleDeveloper, RoleAgent, RoleSolicitor, RoleLender, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Type categorizes an event. Dispatch and payload decoding switch on it.
type Type string

const (
	TypeNotification        Type = "notification"
	TypeStatusUpdate        Type = "status_update"
	TypeCoordinationRequest Type = "coordination_request"
	TypeTaskUpdate          Type = "task_update"
	TypeLiveChat            Type = "live_chat"
	TypeSystemAlert         Type = "system_alert"
)

// String returns the string representation of the event type.
func (t Type) String() string {
	return string(t)
}

// IsValid checks whether the type is a known value.
func (t Type) IsValid() bool {
	switch t {
	case TypeNotification, TypeStatusUpdate, TypeCoordinationRequest,
		TypeTaskUpdate, TypeLiveChat, TypeSystemAlert:
		return true
	}
	return false
}

// Priority indicates delivery urgency. It is informational for
// recipients; the router does not reorder by priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid checks whether the priority is a known value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Event is a fully-stamped message. The router assigns ID and Timestamp
// exactly once, at send time; an Event is never mutated afterwards.
type Event struct {
	ID       string   `json:"id"`
	Type     Type     `json:"type"`
	Priority Priority `json:"priority"`

	Title   string  `json:"title"`
	Body    string  `json:"body,omitempty"`
	Payload Payload `json:"payload,omitempty"`

	// Routing axes. An event may fan out on all three.
	TargetUsers []string `json:"target_users,omitempty"`
	TargetRoles []Role   `json:"target_roles,omitempty"`
	RoomID      string   `json:"room_id,omitempty"`

	// Provenance.
	Sender     string `json:"sender,omitempty"`
	SenderRole Role   `json:"sender_role,omitempty"`
	System     bool   `json:"system,omitempty"`

	Timestamp   time.Time  `json:"timestamp"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	AckRequired bool       `json:"ack_required,omitempty"`

	// Remote marks an event injected by the fan-out bridge from a peer
	// process. Remote events are never re-published to the broker.
	// Set locally by the bridge, not trusted from the wire.
	Remote bool `json:"-"`
}

// Expired reports whether the event carries an expiry in the past.
func (e *Event) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// UnmarshalJSON decodes the envelope, then decodes the payload into the
// concrete variant selected by the type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload,omitempty"`
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		e.Payload = nil
		return nil
	}

	payload, err := decodePayload(e.Type, aux.Payload)
	if err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Payload = payload
	return nil
}

// Draft is the caller-supplied portion of an event. The router copies
// it into a stamped Event; drafts themselves carry no identity.
type Draft struct {
	Type     Type
	Priority Priority
	Title    string
	Body     string
	Payload  Payload

	TargetUsers []string
	TargetRoles []Role

	Sender     string
	SenderRole Role
	System     bool

	ExpiresAt   *time.Time
	AckRequired bool
}

// Validate checks the draft fields that routing depends on.
func (d *Draft) Validate() error {
	if !d.Type.IsValid() {
		return fmt.Errorf("invalid event type %q", d.Type)
	}
	if d.Priority != "" && !d.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", d.Priority)
	}
	if d.Payload != nil && d.Payload.payloadType() != d.Type {
		return fmt.Errorf("payload kind %q does not match event type %q",
			d.Payload.payloadType(), d.Type)
	}
	return nil
}
