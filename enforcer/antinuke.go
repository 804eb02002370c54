package enforcer

import (
	"context"
	"errors"
	"fmt"

	"github.com/RussellLuo/slidingwindow"
	"golang.org/x/time/rate"

	"github.com/Stowber/TigrisSecuritySystem/enforcer/burststore"
	"github.com/Stowber/TigrisSecuritySystem/models"
)

// GuildState is the derived antinuke state for a guild.
type GuildState string

const (
	StateArmed        GuildState = "armed"
	StateIncidentOpen GuildState = "incident-open"
)

// Enroll opts a guild into antinuke monitoring. Idempotent.
func (eng *Engine) Enroll(ctx context.Context, guild models.Snowflake, actor Actor) error {
	if err := eng.requireCapability(ctx, guild, actor, CapAntinukeManage); err != nil {
		return err
	}
	evt := newAudit(guild, actor.ref(), "antinuke.enrolled", nil, eng.now())
	return eng.Store.EnrollAntinuke(ctx, guild, evt)
}

func (eng *Engine) Unenroll(ctx context.Context, guild models.Snowflake, actor Actor) error {
	if err := eng.requireCapability(ctx, guild, actor, CapAntinukeManage); err != nil {
		return err
	}
	evt := newAudit(guild, actor.ref(), "antinuke.unenrolled", nil, eng.now())
	return eng.Store.UnenrollAntinuke(ctx, guild, evt)
}

func (eng *Engine) Enrolled(ctx context.Context, guild models.Snowflake) (bool, error) {
	return eng.Store.AntinukeEnrolled(ctx, guild)
}

func burstScope(guild, actor models.Snowflake) string {
	return guild.String() + "/" + actor.String()
}

func (eng *Engine) burstLimiter(scope string) *slidingwindow.Limiter {
	lim, _ := eng.burstWindows.LoadOrCompute(scope, func() *slidingwindow.Limiter {
		l, _ := slidingwindow.NewLimiter(eng.Config.BurstWindow, eng.Config.BurstThreshold, func() (slidingwindow.Window, slidingwindow.StopFunc) {
			return slidingwindow.NewLocalWindow()
		})
		return l
	})
	return lim
}

func (eng *Engine) ceiling(scope string) *rate.Limiter {
	lim, _ := eng.ceilings.LoadOrCompute(scope, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(eng.Config.ActorCeilingPerSec), eng.Config.ActorCeilingBurst)
	})
	return lim
}

// ObserveDestructiveAction feeds one destructive platform event (channel
// delete, mass ban, permission escalation) into the burst detector. kind
// names the event; actor is the platform identity that performed it. When
// the actor's rate crosses the threshold, either in this process's sliding
// window or in the counters shared through the burst store, an incident is
// opened (or the open one is reused) and a quarantine directive
// for the actor is returned. Above the hard ceiling the engine stops doing
// per-event work and only re-issues the throttle directive, so the audit
// trail cannot itself be flooded.
func (eng *Engine) ObserveDestructiveAction(ctx context.Context, guild, actor models.Snowflake, kind string) (*models.AntinukeIncident, []Directive, error) {
	enrolled, err := eng.Store.AntinukeEnrolled(ctx, guild)
	if err != nil {
		return nil, nil, err
	}
	if !enrolled {
		return nil, nil, nil
	}

	scope := burstScope(guild, actor)
	if !eng.ceiling(scope).Allow() {
		ceilingHitCount.Inc()
		return nil, []Directive{{
			Kind:    DirectiveThrottleActor,
			GuildID: guild,
			UserID:  actor,
			Reason:  "destructive-action rate above hard ceiling",
		}}, nil
	}

	if err := eng.Bursts.Increment(ctx, kind, scope); err != nil {
		eng.Logger.Error("incrementing burst counter", "err", err, "kind", kind, "guild", guild)
	}
	if err := eng.Bursts.IncrementDistinct(ctx, "actors", guild.String(), actor.String()); err != nil {
		eng.Logger.Error("incrementing distinct actor counter", "err", err, "guild", guild)
	}
	destructiveObservedCount.WithLabelValues(kind).Inc()

	// The local window catches sub-minute bursts precisely; the persisted
	// minute bucket catches bursts an actor spreads across workers, since
	// every worker increments the same scope.
	exceeded := !eng.burstLimiter(scope).Allow()
	if !exceeded {
		shared, err := eng.Bursts.GetCount(ctx, kind, scope, burststore.PeriodMinute)
		if err != nil {
			eng.Logger.Error("reading burst counter", "err", err, "kind", kind, "guild", guild)
		} else if int64(shared) > eng.Config.BurstThreshold {
			exceeded = true
		}
	}
	if !exceeded {
		// under threshold, nothing to contain
		return nil, nil, nil
	}

	reason := fmt.Sprintf("burst of %s by actor %s", kind, actor)
	inc, _, err := eng.RecordSuspiciousBurst(ctx, guild, reason)
	if err != nil {
		return nil, nil, err
	}
	return inc, []Directive{{
		Kind:    DirectiveThrottleActor,
		GuildID: guild,
		UserID:  actor,
		Reason:  reason,
	}}, nil
}

// RecordSuspiciousBurst opens an incident for the guild, or returns the
// already-open one. An incident is open while it has no close action and its
// last activity is within the configured cooldown; the check and the insert
// are one atomic unit in the store, so concurrent observers of the same
// burst converge on a single incident.
func (eng *Engine) RecordSuspiciousBurst(ctx context.Context, guild models.Snowflake, reason string) (*models.AntinukeIncident, bool, error) {
	now := eng.now()
	evt := newAudit(guild, nil, "antinuke.incident_opened", models.JSONB{"reason": reason}, now)
	inc, opened, err := eng.Store.OpenOrGetIncident(ctx, guild, reason, eng.Config.IncidentCooldown, now, evt)
	if err != nil {
		return nil, false, err
	}
	if opened {
		incidentOpenedCount.Inc()
		eng.Logger.Warn("antinuke incident opened", "guild", guild, "incident", inc.ID, "reason", reason)
	}
	return inc, opened, nil
}

// OpenIncident returns the guild's open incident, or ErrNotFound when the
// guild is armed.
func (eng *Engine) OpenIncident(ctx context.Context, guild models.Snowflake) (*models.AntinukeIncident, error) {
	incidents, err := eng.Store.ListIncidents(ctx, guild, 1)
	if err != nil {
		return nil, err
	}
	if len(incidents) == 0 {
		return nil, ErrNotFound
	}
	inc := &incidents[0]
	open, err := eng.incidentOpen(ctx, inc)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, ErrNotFound
	}
	return inc, nil
}

func (eng *Engine) incidentOpen(ctx context.Context, inc *models.AntinukeIncident) (bool, error) {
	actions, err := eng.Store.ListActions(ctx, inc.ID)
	if err != nil {
		return false, err
	}
	last := inc.CreatedAt
	for i := range actions {
		if actions[i].Kind == models.ActionClose {
			return false, nil
		}
		if actions[i].CreatedAt.After(last) {
			last = actions[i].CreatedAt
		}
	}
	cooldown := eng.Config.IncidentCooldown
	if cooldown > 0 && eng.now().Sub(last) > cooldown {
		return false, nil
	}
	return true, nil
}

// State derives the guild's antinuke state from the store, never from
// process memory, so it survives restarts and agrees across workers.
func (eng *Engine) State(ctx context.Context, guild models.Snowflake) (GuildState, error) {
	_, err := eng.OpenIncident(ctx, guild)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StateArmed, nil
		}
		return "", err
	}
	return StateIncidentOpen, nil
}

// Snapshot captures affected state for an incident. Must run before the
// first containment action for rollback to reflect pre-incident state; a
// late snapshot is stored anyway but logged.
func (eng *Engine) Snapshot(ctx context.Context, incidentID int64, payload models.JSONB) (*models.AntinukeSnapshot, error) {
	actions, err := eng.Store.ListActions(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if len(actions) > 0 {
		eng.Logger.Warn("snapshot taken after containment actions", "incident", incidentID, "actions", len(actions))
	}
	inc, err := eng.Store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	snap := &models.AntinukeSnapshot{IncidentID: incidentID, Payload: payload, CreatedAt: eng.now()}
	evt := newAudit(inc.GuildID, nil, "antinuke.snapshot_taken", models.JSONB{"incident_id": incidentID}, eng.now())
	if err := eng.Store.AddSnapshot(ctx, snap, evt); err != nil {
		return nil, err
	}
	return snap, nil
}

// RecordAction appends one containment step. Actions are causally ordered by
// insertion and never reordered or deleted.
func (eng *Engine) RecordAction(ctx context.Context, incidentID int64, actor *models.Snowflake, kind string) (*models.AntinukeAction, error) {
	if kind == "" {
		return nil, validationErr("kind", "must be non-empty")
	}
	inc, err := eng.Store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	act := &models.AntinukeAction{IncidentID: incidentID, ActorID: actor, Kind: kind, CreatedAt: eng.now()}
	evt := newAudit(inc.GuildID, actor, "antinuke.action_recorded", models.JSONB{
		"incident_id": incidentID,
		"kind":        kind,
	}, eng.now())
	if err := eng.Store.AddAction(ctx, act, evt); err != nil {
		return nil, err
	}
	actionRecordedCount.WithLabelValues(kind).Inc()
	return act, nil
}

// IncidentActions returns the ordered containment history.
func (eng *Engine) IncidentActions(ctx context.Context, incidentID int64) ([]models.AntinukeAction, error) {
	return eng.Store.ListActions(ctx, incidentID)
}

func (eng *Engine) ListIncidents(ctx context.Context, guild models.Snowflake, limit int) ([]models.AntinukeIncident, error) {
	return eng.Store.ListIncidents(ctx, guild, limit)
}

// Rollback replays the incident's most recent snapshot as restore directives
// for the applier. The engine never mutates the platform itself; the caller
// owns execution and reporting. A rollback action is recorded so the history
// shows the restore happened.
func (eng *Engine) Rollback(ctx context.Context, incidentID int64, actor Actor) ([]Directive, error) {
	inc, err := eng.Store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if err := eng.requireCapability(ctx, inc.GuildID, actor, CapAntinukeManage); err != nil {
		return nil, err
	}
	snap, err := eng.Store.LatestSnapshot(ctx, incidentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("incident %d has no snapshot: %w", incidentID, ErrNotFound)
		}
		return nil, err
	}

	var directives []Directive
	directives = appendRestoreDirectives(directives, inc.GuildID, DirectiveRestoreRole, snap.Payload["roles"])
	directives = appendRestoreDirectives(directives, inc.GuildID, DirectiveRestoreChannel, snap.Payload["channels"])

	if _, err := eng.RecordAction(ctx, incidentID, actor.ref(), "rollback"); err != nil {
		return nil, err
	}
	rollbackCount.Inc()
	return directives, nil
}

func appendRestoreDirectives(out []Directive, guild models.Snowflake, kind DirectiveKind, raw any) []Directive {
	items, ok := raw.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		payload, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Directive{Kind: kind, GuildID: guild, Payload: models.JSONB(payload)})
	}
	return out
}

// CloseIncident appends the terminal close action. The schema has no status
// column; closure is the close action plus the cooldown-derived rule, so a
// closed incident stays closed across restarts.
func (eng *Engine) CloseIncident(ctx context.Context, incidentID int64, actor Actor) error {
	inc, err := eng.Store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if err := eng.requireCapability(ctx, inc.GuildID, actor, CapAntinukeManage); err != nil {
		return err
	}
	act := &models.AntinukeAction{IncidentID: incidentID, ActorID: actor.ref(), Kind: models.ActionClose, CreatedAt: eng.now()}
	evt := newAudit(inc.GuildID, actor.ref(), "antinuke.incident_closed", models.JSONB{"incident_id": incidentID}, eng.now())
	if err := eng.Store.AddAction(ctx, act, evt); err != nil {
		return err
	}
	incidentClosedCount.Inc()
	return nil
}

// BurstCounts exposes the persisted counters for review surfaces.
func (eng *Engine) BurstCounts(ctx context.Context, guild, actor models.Snowflake, kind, period string) (int, error) {
	switch period {
	case burststore.PeriodMinute, burststore.PeriodHour, burststore.PeriodTotal:
	default:
		return 0, validationErr("period", "must be minute, hour, or total")
	}
	return eng.Bursts.GetCount(ctx, kind, burstScope(guild, actor), period)
}
