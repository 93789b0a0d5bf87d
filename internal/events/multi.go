package events

import (
	"context"

	"granary.org/internal/obs"
)

// MultiSink delivers each event to every wrapped sink. Individual sink
// failures are logged and do not stop delivery to the remaining sinks or
// fail the caller.
type MultiSink struct {
	sinks []Sink
}

var _ Sink = (*MultiSink)(nil)

// NewMultiSink combines sinks; nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) Send(ctx context.Context, e Event) error {
	for _, s := range m.sinks {
		if err := s.Send(ctx, e); err != nil {
			obs.LogRequest(map[string]any{
				"level":    "error",
				"msg":      "event sink delivery failed",
				"event_id": e.ID,
				"error":    err.Error(),
			})
		}
	}
	return nil
}
