package pipeline

import (
	"context"
	"fmt"

	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/intents"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
)

// TrackPayload is the analytics.track task body.
type TrackPayload struct {
	Event    enums.AnalyticsEventType `json:"event"`
	LeadID   string                   `json:"lead_id"`
	FormKind string                   `json:"form_kind"`
	Channel  string                   `json:"channel"`
	Owner    string                   `json:"owner,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
}

func (p *Pipeline) trackIntent(lead *models.Lead, payload TrackPayload) *intents.Intent {
	id := lead.ID
	payload.LeadID = id.String()
	payload.FormKind = lead.FormKind
	if payload.Channel == "" {
		payload.Channel, _ = lead.Enrichment["channel"].(string)
	}
	return &intents.Intent{
		Task:        enums.TaskAnalyticsTrack,
		Queue:       enums.QueueAnalytics,
		Key:         fmt.Sprintf("%s:%s", id, payload.Event),
		AggregateID: &id,
		Payload:     payload,
		TraceID:     lead.TraceID,
	}
}

// Route assigns the lead owner and records the routed analytics event.
func (p *Pipeline) Route(ctx context.Context, msg queue.Message) error {
	lead, err := p.load(ctx, msg)
	if err != nil {
		return err
	}
	ctx = p.logg.WithLeadID(ctx, lead.ID.String())
	if p.skip(ctx, lead, enums.LeadStatusEnriched) {
		return nil
	}

	owner := p.routing.OwnerFor(lead.FormKind)
	track := p.trackIntent(lead, TrackPayload{Event: enums.AnalyticsEventLeadRouted, Owner: owner})

	var extra map[string]any
	if owner != "" {
		extra = map[string]any{"owner": owner}
	}
	moved, err := p.advance(ctx, lead, enums.LeadStatusRouted, extra, track)
	if err != nil {
		return err
	}
	if moved {
		p.logg.Info(p.logg.WithField(ctx, "owner", owner), "lead.routed")
	}
	return nil
}
