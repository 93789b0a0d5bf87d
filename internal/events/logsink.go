package events

import (
	"context"

	"granary.org/internal/audit"
)

// LogSink writes every event as an audit log line.
type LogSink struct{}

var _ Sink = LogSink{}

func (LogSink) Send(ctx context.Context, e Event) error {
	fields := map[string]any{
		"event_id": e.ID,
		"type":     string(e.Type),
		"target":   string(e.Target),
	}
	if e.TargetName != "" {
		fields["target_name"] = e.TargetName
	}
	if e.OwnerID != "" {
		fields["owner_id"] = e.OwnerID
	}
	if e.ConsumerID != "" {
		fields["consumer_id"] = e.ConsumerID
	}
	if e.EntityID != "" {
		fields["entity_id"] = e.EntityID
	}
	if e.ReferenceID != "" {
		fields["reference_type"] = e.ReferenceType
		fields["reference_id"] = e.ReferenceID
	}
	return audit.LogEvent(ctx, "entitlement.event", fields)
}
