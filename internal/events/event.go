package events

import (
	"context"
	"errors"
	"time"
)

// Type is the lifecycle phase an event records.
type Type string

const (
	TypeCreated Type = "CREATED"
	TypeUpdated Type = "UPDATED"
	TypeDeleted Type = "DELETED"
)

// Target names the kind of entity the event is about.
type Target string

const (
	TargetPool        Target = "POOL"
	TargetEntitlement Target = "ENTITLEMENT"
	TargetConsumer    Target = "CONSUMER"
	TargetOwner       Target = "OWNER"
)

// Event is an audit record of one state transition. OldEntity is empty for
// CREATED events and NewEntity is empty for DELETED events; the builder
// enforces both.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	Target        Target    `json:"target"`
	TargetName    string    `json:"target_name,omitempty"`
	OwnerID       string    `json:"owner_id,omitempty"`
	ConsumerID    string    `json:"consumer_id,omitempty"`
	EntityID      string    `json:"entity_id,omitempty"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	OldEntity     string    `json:"old_entity,omitempty"`
	NewEntity     string    `json:"new_entity,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ReferencePool marks ReferenceID as a pool id.
const ReferencePool = "POOL"

// ErrInvalidOperation is returned when a snapshot is attached to an event
// type that forbids it.
var ErrInvalidOperation = errors.New("operation not valid for event type")

// Sink receives finished events. Implementations decide delivery semantics;
// callers treat sink errors as non-fatal.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
