package enforcer

import (
	"context"
	"errors"
	"time"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

// EscalationTier is the threshold action a warn crossed into, if any.
type EscalationTier string

const (
	TierNone    EscalationTier = ""
	TierTimeout EscalationTier = "timeout"
	TierKick    EscalationTier = "kick"
	TierBan     EscalationTier = "ban"
)

// WarnOutcome is the result of IssueWarn: the stored case, the post-update
// accumulator, and the escalation the caller should apply. Escalation is
// reported, never auto-applied, so callers can gate it behind confirmation
// or dry-run flows.
type WarnOutcome struct {
	Case      *models.WarnCase
	Points    models.WarnPoints
	Tier      EscalationTier
	Directive *Directive
}

// WarnConfigFor returns the guild's warn tunables, falling back to defaults
// when no row exists and degrading to defaults when the configured
// thresholds are not ascending. The per-guild cache is invalidated by
// SetWarnConfig.
func (eng *Engine) WarnConfigFor(ctx context.Context, guild models.Snowflake) (models.WarnConfig, error) {
	if cfg, ok := eng.warnCfgCache.Get(guild); ok {
		return cfg, nil
	}
	cfg, err := eng.Store.GetWarnConfig(ctx, guild)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.DefaultWarnConfig(), nil
		}
		return models.WarnConfig{}, err
	}
	out := *cfg
	if !out.ThresholdsAscending() {
		eng.Logger.Warn("warn thresholds not ascending, using defaults",
			"guild", guild, "timeout", out.TimeoutPts, "kick", out.KickPts, "ban", out.BanPts)
		misconfiguredThresholdCount.Inc()
		out = models.DefaultWarnConfig()
	}
	eng.warnCfgCache.Add(guild, out)
	return out, nil
}

func (eng *Engine) SetWarnConfig(ctx context.Context, guild models.Snowflake, actor Actor, cfg models.WarnConfig) error {
	if cfg.DecayDays <= 0 {
		return validationErr("decay_days", "must be positive")
	}
	if cfg.TimeoutPts <= 0 || cfg.KickPts <= 0 || cfg.BanPts <= 0 {
		return validationErr("thresholds", "must be positive")
	}
	if err := eng.requireCapability(ctx, guild, actor, CapConfigure); err != nil {
		return err
	}
	evt := newAudit(guild, actor.ref(), "warn.config_set", models.JSONB{
		"decay_days": cfg.DecayDays, "timeout_pts": cfg.TimeoutPts,
		"kick_pts": cfg.KickPts, "ban_pts": cfg.BanPts,
	}, eng.now())
	if err := eng.Store.PutWarnConfig(ctx, guild, cfg, evt); err != nil {
		return err
	}
	eng.warnCfgCache.Remove(guild)
	return nil
}

// IssueWarn inserts an immutable case, atomically recomputes the accumulator
// (pending decay first, then the new points), and reports the highest
// escalation tier the post-update total reaches.
func (eng *Engine) IssueWarn(ctx context.Context, guild models.Snowflake, actor Actor, user models.Snowflake, points int, reason string, evidence *string) (*WarnOutcome, error) {
	if points <= 0 {
		return nil, validationErr("points", "must be positive")
	}
	if user == 0 {
		return nil, validationErr("user_id", "must be non-zero")
	}
	if err := eng.requireCapability(ctx, guild, actor, CapWarnIssue); err != nil {
		return nil, err
	}
	cfg, err := eng.WarnConfigFor(ctx, guild)
	if err != nil {
		return nil, err
	}
	now := eng.now()
	wc := &models.WarnCase{
		GuildID:     guild,
		UserID:      user,
		ModeratorID: actor.ID,
		Points:      points,
		Reason:      reason,
		Evidence:    evidence,
		CreatedAt:   now,
	}
	evt := newAudit(guild, actor.ref(), "warn.issued", models.JSONB{
		"user_id": user.String(),
		"points":  points,
		"reason":  reason,
	}, now)
	pts, err := eng.Store.CreateWarnCase(ctx, wc, decayThenAdd(cfg, now, points), evt)
	if err != nil {
		return nil, err
	}
	warnIssuedCount.Inc()

	out := &WarnOutcome{Case: wc, Points: pts}
	out.Tier = escalationTier(cfg, pts.Total)
	if out.Tier != TierNone {
		out.Directive = eng.escalationDirective(cfg, guild, user, out.Tier, now)
		escalationCount.WithLabelValues(string(out.Tier)).Inc()
	}
	return out, nil
}

// escalationTier returns the highest tier whose threshold the total meets.
// Exactly one tier is reported, never several.
func escalationTier(cfg models.WarnConfig, total int) EscalationTier {
	switch {
	case total >= cfg.BanPts:
		return TierBan
	case total >= cfg.KickPts:
		return TierKick
	case total >= cfg.TimeoutPts:
		return TierTimeout
	default:
		return TierNone
	}
}

func (eng *Engine) escalationDirective(cfg models.WarnConfig, guild, user models.Snowflake, tier EscalationTier, now time.Time) *Directive {
	d := &Directive{GuildID: guild, UserID: user, Reason: "warn threshold reached"}
	switch tier {
	case TierTimeout:
		until := now.Add(time.Duration(cfg.TimeoutHours) * time.Hour)
		d.Kind = DirectiveSetTimeout
		d.Until = &until
	case TierKick:
		d.Kind = DirectiveKickUser
	case TierBan:
		d.Kind = DirectiveBanUser
	default:
		return nil
	}
	return d
}

// GetPoints applies pending decay lazily and returns the current total.
func (eng *Engine) GetPoints(ctx context.Context, guild, user models.Snowflake) (int, error) {
	cfg, err := eng.WarnConfigFor(ctx, guild)
	if err != nil {
		return 0, err
	}
	pts, err := eng.Store.UpdateWarnPoints(ctx, guild, user, decayThenAdd(cfg, eng.now(), 0))
	if err != nil {
		return 0, err
	}
	return pts.Total, nil
}

// ListCases returns live (not removed) cases, newest first.
func (eng *Engine) ListCases(ctx context.Context, guild, user models.Snowflake, limit int, beforeID int64) ([]models.WarnCase, error) {
	return eng.Store.ListWarnCases(ctx, guild, user, limit, beforeID)
}

// RemoveWarn soft-deletes a case and atomically recomputes the accumulator;
// the case row survives as history with the deleted_* stamps.
func (eng *Engine) RemoveWarn(ctx context.Context, guild models.Snowflake, actor Actor, caseID int64, reason string) (*models.WarnCase, error) {
	if err := eng.requireCapability(ctx, guild, actor, CapWarnRemove); err != nil {
		return nil, err
	}
	cfg, err := eng.WarnConfigFor(ctx, guild)
	if err != nil {
		return nil, err
	}
	now := eng.now()
	evt := newAudit(guild, actor.ref(), "warn.removed", models.JSONB{
		"case_id": caseID,
		"reason":  reason,
	}, now)
	wc, _, err := eng.Store.SoftDeleteWarnCase(ctx, guild, caseID, actor.ID, reason, decayThenAdd(cfg, now, 0), evt)
	if err != nil {
		return nil, err
	}
	warnRemovedCount.Inc()
	return wc, nil
}
