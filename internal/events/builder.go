package events

import (
	"encoding/json"
	"time"

	"granary.org/internal/ids"
	"granary.org/internal/obs"
)

// Capability interfaces. Domain entities implement whichever subset applies;
// the builder probes for each and skips the rest.
type (
	// Named exposes a human-readable name for the event's target.
	Named interface{ TargetName() string }

	// Owned exposes the owning tenant key.
	Owned interface{ Owner() string }

	// Entity exposes the primary id of the target entity.
	Entity interface{ EntityID() string }

	// ConsumerProperty exposes the consumer a target belongs to.
	ConsumerProperty interface{ OwningConsumer() string }

	// PoolReferencing exposes the pool id an entity points at. Targets
	// implementing it get ReferenceType POOL on the event.
	PoolReferencing interface{ ReferencedPool() string }
)

// Serializer turns an entity into the snapshot stored on the event.
type Serializer interface {
	Serialize(entity any) (string, error)
}

// JSONSerializer is the default snapshot codec.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(entity any) (string, error) {
	b, err := json.Marshal(entity)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Builder assembles one Event. Not safe for concurrent use; build one per
// event.
type Builder struct {
	event      Event
	serializer Serializer
	now        func() time.Time
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithSerializer replaces the default JSON snapshot codec.
func WithSerializer(s Serializer) BuilderOption {
	return func(b *Builder) { b.serializer = s }
}

// WithClock injects the timestamp source.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// NewBuilder starts an event of the given type and target.
func NewBuilder(eventType Type, target Target, opts ...BuilderOption) *Builder {
	b := &Builder{
		event: Event{
			ID:     ids.New(),
			Type:   eventType,
			Target: target,
		},
		serializer: JSONSerializer{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetEventData extracts whatever capability data the entity exposes. Nil
// entities and empty capability values are skipped.
func (b *Builder) SetEventData(entity any) *Builder {
	if entity == nil {
		return b
	}
	if named, ok := entity.(Named); ok {
		if name := named.TargetName(); name != "" {
			b.event.TargetName = name
		}
	}
	if owned, ok := entity.(Owned); ok {
		if owner := owned.Owner(); owner != "" {
			b.event.OwnerID = owner
		}
	}
	if ent, ok := entity.(Entity); ok {
		if id := ent.EntityID(); id != "" {
			b.event.EntityID = id
			// Consumer attribution only makes sense once the entity
			// itself is identified.
			if cp, ok := entity.(ConsumerProperty); ok {
				if consumer := cp.OwningConsumer(); consumer != "" {
					b.event.ConsumerID = consumer
				}
			}
		}
	}
	if ref, ok := entity.(PoolReferencing); ok {
		// The reference type is a property of the entity's kind; only the
		// id depends on the pool actually being known.
		b.event.ReferenceType = ReferencePool
		if poolID := ref.ReferencedPool(); poolID != "" {
			b.event.ReferenceID = poolID
		}
	}
	return b
}

// SetOldEntity snapshots the pre-change state. Invalid on CREATED events
// when the entity is non-nil; a nil entity is always a no-op.
func (b *Builder) SetOldEntity(entity any) (*Builder, error) {
	if entity == nil {
		return b, nil
	}
	if b.event.Type == TypeCreated {
		return b, ErrInvalidOperation
	}
	b.event.OldEntity = b.snapshot(entity)
	return b, nil
}

// SetNewEntity snapshots the post-change state. Invalid on DELETED events
// when the entity is non-nil; a nil entity is always a no-op.
func (b *Builder) SetNewEntity(entity any) (*Builder, error) {
	if entity == nil {
		return b, nil
	}
	if b.event.Type == TypeDeleted {
		return b, ErrInvalidOperation
	}
	b.event.NewEntity = b.snapshot(entity)
	return b, nil
}

// Build stamps the event and returns it.
func (b *Builder) Build() Event {
	b.event.Timestamp = b.now().UTC()
	return b.event
}

// snapshot serializes the entity; failures are logged and degrade to an
// empty snapshot so event construction never aborts on codec trouble.
func (b *Builder) snapshot(entity any) string {
	s, err := b.serializer.Serialize(entity)
	if err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "event snapshot serialization failed",
			"error": err.Error(),
		})
		return ""
	}
	return s
}
