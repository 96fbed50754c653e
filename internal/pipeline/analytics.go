package pipeline

import (
	"context"
	"fmt"

	"github.com/angelmondragon/leadflow-backend/pkg/queue"
)

// Track emits the analytics event as a structured log line and a counter.
func (p *Pipeline) Track(ctx context.Context, msg queue.Message) error {
	var payload TrackPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	if !payload.Event.IsValid() {
		return queue.Permanent(fmt.Errorf("unknown analytics event %q", payload.Event))
	}
	channel := payload.Channel
	if channel == "" {
		channel = "direct"
	}
	p.metrics.AnalyticsEvent(string(payload.Event), channel)
	p.logg.Info(p.logg.WithFields(ctx, map[string]any{
		"event":     payload.Event,
		"lead_id":   payload.LeadID,
		"form_kind": payload.FormKind,
		"channel":   channel,
		"owner":     payload.Owner,
		"reason":    payload.Reason,
	}), "analytics.event")
	return nil
}
