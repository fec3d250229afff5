// Package director is the conversation-facing edge of the engine. It accepts
// validated intentions, creates missions, hands them to the coordinator over
// the task channel, and translates mission outcomes into exactly one response
// event per mission.
package director

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atrium/internal/acp"
	"atrium/internal/bus"
	"atrium/internal/coordinator"
	"atrium/internal/id"
	"atrium/internal/logging"
	"atrium/internal/mission"
	"atrium/internal/state"
)

// SubscriptionGroup is the consumer group shared by director instances.
const SubscriptionGroup = "director"

// UnsupportedIntention is the response error reason when no mission template
// exists for an intention type.
const UnsupportedIntention = "UnsupportedIntention"

// Templates is the slice of decomposition policy the director needs: whether
// an intention type maps to a known mission template.
type Templates interface {
	Known(intentionType string) bool
}

// Director creates missions from intentions and answers with their outcomes.
type Director struct {
	store     state.Store
	bus       bus.Bus
	templates Templates
	logger    logging.Logger
}

// New constructs a director.
func New(store state.Store, b bus.Bus, templates Templates, logger logging.Logger) (*Director, error) {
	if store == nil {
		return nil, fmt.Errorf("director: state store is required")
	}
	if b == nil {
		return nil, fmt.Errorf("director: bus is required")
	}
	if templates == nil {
		return nil, fmt.Errorf("director: templates are required")
	}
	return &Director{
		store:     store,
		bus:       b,
		templates: templates,
		logger:    logging.OrNop(logger),
	}, nil
}

// Start subscribes the director to mission-outcome events.
func (d *Director) Start() error {
	return d.bus.Subscribe(acp.Topic(acp.ChannelEvent, ""), SubscriptionGroup, d.HandleEvent)
}

// HandleIntention accepts one validated intention. The final effect is the
// publication of a response event, not a return value; the returned mission id
// is informational for synchronous callers (the HTTP intake).
func (d *Director) HandleIntention(ctx context.Context, intent mission.Intention) (string, error) {
	if err := intent.Validate(); err != nil {
		return "", err
	}

	if !d.templates.Known(intent.Type) {
		// No mission record is created for unsupported intentions; the
		// requester still gets exactly one response.
		d.logger.Warn("unsupported intention type %q from session %s", intent.Type, intent.SessionID)
		if err := d.publishResponse(ctx, acp.ResponseBody{
			SessionID: intent.SessionID,
			Status:    mission.StatusFailed,
			Results:   []mission.TaskResult{},
			Error:     UnsupportedIntention,
		}); err != nil {
			return "", err
		}
		return "", nil
	}

	now := time.Now().UTC()
	m := mission.Mission{
		MissionID:   id.NewMissionID(),
		IntentionID: intent.IntentionID,
		SessionID:   intent.SessionID,
		Status:      mission.StatusPlanning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.CreateMission(ctx, m); err != nil {
		return "", fmt.Errorf("create mission: %w", err)
	}
	d.logger.Info("mission %s created for intention %s (%s)", m.MissionID, intent.IntentionID, intent.Type)

	msg, err := acp.New(acp.TypeTask, m.MissionID, acp.DecomposePayload{Intention: intent})
	if err != nil {
		return "", err
	}
	msg.Capability = coordinator.ControlCapability
	msg.CorrelationID = id.NewCorrelationID()

	topic := acp.Topic(acp.ChannelTask, coordinator.ControlCapability)
	if err := d.bus.Publish(ctx, topic, msg); err != nil {
		return "", fmt.Errorf("hand mission %s to coordinator: %w", m.MissionID, err)
	}
	return m.MissionID, nil
}

// HandleEvent consumes event-channel messages, reacting to mission outcomes.
func (d *Director) HandleEvent(ctx context.Context, msg acp.Message) error {
	payload, err := acp.DecodeEvent(&msg)
	if err != nil {
		return err
	}
	if payload.Kind != acp.EventMissionOutcome {
		return nil
	}

	var outcome acp.OutcomeBody
	if err := payload.DecodeBody(&outcome); err != nil {
		return err
	}
	return d.applyOutcome(ctx, outcome)
}

// applyOutcome writes the terminal mission status and emits the response. The
// conditional terminal write is the exactly-once gate: duplicated outcome
// events (at-least-once delivery, racing coordinator instances) find the
// mission already terminal and stop.
func (d *Director) applyOutcome(ctx context.Context, outcome acp.OutcomeBody) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("%w: outcome with non-terminal status %q", acp.ErrMalformed, outcome.Status)
	}

	for {
		m, err := d.store.GetMission(ctx, outcome.MissionID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				d.logger.Warn("outcome for unknown mission %s, discarding", outcome.MissionID)
				return nil
			}
			return fmt.Errorf("load mission %s: %w", outcome.MissionID, err)
		}
		if m.Status.IsTerminal() {
			d.logger.Debug("mission %s already terminal (%s), dropping duplicate outcome", m.MissionID, m.Status)
			return nil
		}

		prior := m.Status
		m.Status = outcome.Status
		m.Outcome = &mission.Outcome{
			Status:  outcome.Status,
			Results: outcome.Results,
			Error:   outcome.Error,
		}

		ok, err := d.store.PutMissionIf(ctx, m, prior)
		if err != nil {
			return fmt.Errorf("finalize mission %s: %w", m.MissionID, err)
		}
		if !ok {
			// Lost the race; reload and re-check terminality.
			continue
		}

		d.logger.Info("mission %s finalized as %s, responding to session %s", m.MissionID, m.Status, m.SessionID)
		return d.publishResponse(ctx, acp.ResponseBody{
			MissionID: m.MissionID,
			SessionID: m.SessionID,
			Status:    outcome.Status,
			Results:   outcome.Results,
			Error:     outcome.Error,
		})
	}
}

func (d *Director) publishResponse(ctx context.Context, body acp.ResponseBody) error {
	if body.Results == nil {
		body.Results = []mission.TaskResult{}
	}
	msg, err := acp.NewEvent(acp.EventResponse, body.MissionID, body)
	if err != nil {
		return err
	}
	if err := d.bus.Publish(ctx, acp.Topic(acp.ChannelEvent, ""), msg); err != nil {
		return fmt.Errorf("publish response for session %s: %w", body.SessionID, err)
	}
	return nil
}
