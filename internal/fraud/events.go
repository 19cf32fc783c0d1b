package fraud

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/opensource-finance/warden/internal/bus"
	"github.com/opensource-finance/warden/internal/domain"
)

// emit publishes the audit record for a decision. Plain allows produce no
// event; anything the pipeline marked or any non-allow action does.
func (o *Orchestrator) emit(ctx context.Context, ev *evaluation) {
	d := ev.decision
	if d.Action == domain.ActionAllow && ev.eventType == "" {
		return
	}
	if o.bus == nil {
		return
	}

	event := o.buildEvent(ev)
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode fraud event", "eventId", event.ID, "error", err)
		return
	}
	if err := o.bus.Publish(bus.WithKey(ctx, ev.identifier), domain.TopicFraudEvent, payload); err != nil {
		slog.Warn("failed to publish fraud event",
			"eventId", event.ID,
			"eventType", event.EventType,
			"error", err,
		)
	}
}

func (o *Orchestrator) buildEvent(ev *evaluation) *domain.FraudEvent {
	d := ev.decision

	eventType, severity := ev.eventType, ev.severity
	if eventType == "" {
		eventType = domain.EventBlocked
	}
	if severity == "" {
		severity = actionSeverity(d.Action)
	}

	details := map[string]any{
		"decisionId": d.ID,
		"kind":       ev.kind,
		"reason":     d.Reason,
		"tier":       ev.tier.String(),
		"trustScore": ev.score,
	}
	if len(ev.flags) > 0 {
		details["flags"] = ev.flags
	}
	if rl := d.RateLimit; rl != nil && !rl.Allowed {
		details["window"] = rl.Window
		details["retryAfter"] = rl.RetryAfter
	}
	if d.Challenge != nil {
		details["challengeId"] = d.Challenge.ID
		details["challengeType"] = d.Challenge.Type
	}
	if d.Verification != nil {
		details["verification"] = d.Verification.Reason
	}
	if d.ShadowBanned {
		details["shadowBanned"] = true
	}

	return &domain.FraudEvent{
		ID:        uuid.NewString(),
		Timestamp: o.now().UTC(),
		EventType: eventType,
		Severity:  severity,
		UserID:    ev.identity.UserID,
		DeviceID:  ev.identity.DeviceID,
		IPAddress: ev.identity.IPAddress,
		SessionID: ev.identity.SessionID,
		Endpoint:  ev.endpoint,
		Details:   details,
		Action:    d.Action,
	}
}

func actionSeverity(a domain.Action) string {
	switch a {
	case domain.ActionBlock:
		return domain.SeverityHigh
	case domain.ActionChallenge:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
