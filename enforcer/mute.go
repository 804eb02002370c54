package enforcer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Stowber/TigrisSecuritySystem/enforcer/store"
	"github.com/Stowber/TigrisSecuritySystem/models"
)

// ParseMuteDuration parses moderator-facing durations: "30s", "15m", "2h",
// "1d", or a bare minute count. "0" (or empty) means indefinite and returns
// (0, false, nil).
func ParseMuteDuration(s string) (time.Duration, bool, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "0" {
		return 0, false, nil
	}
	unit := time.Minute
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
		s = strings.TrimSuffix(s, "d")
	case strings.HasSuffix(s, "h"):
		unit = time.Hour
		s = strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "s"):
		unit = time.Second
		s = strings.TrimSuffix(s, "s")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false, validationErr("duration", "must look like 30s, 15m, 2h, or 1d")
	}
	if n == 0 {
		return 0, false, nil
	}
	return time.Duration(n) * unit, true, nil
}

// MuteConfigFor returns the guild's mute tunables, defaulting when no row
// exists.
func (eng *Engine) MuteConfigFor(ctx context.Context, guild models.Snowflake) (models.MuteConfig, error) {
	if cfg, ok := eng.muteCfgCache.Get(guild); ok {
		return cfg, nil
	}
	cfg, err := eng.Store.GetMuteConfig(ctx, guild)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.DefaultMuteConfig(), nil
		}
		return models.MuteConfig{}, err
	}
	eng.muteCfgCache.Add(guild, *cfg)
	return *cfg, nil
}

func (eng *Engine) SetMuteConfig(ctx context.Context, guild models.Snowflake, actor Actor, cfg models.MuteConfig) error {
	if cfg.DefaultMinutes < 0 {
		return validationErr("default_minutes", "must not be negative")
	}
	switch cfg.Method {
	case models.MuteMethodRole, models.MuteMethodTimeout:
	default:
		return validationErr("method", "must be role or timeout")
	}
	if err := eng.requireCapability(ctx, guild, actor, CapConfigure); err != nil {
		return err
	}
	evt := newAudit(guild, actor.ref(), "mute.config_set", models.JSONB{
		"default_minutes": cfg.DefaultMinutes,
		"method":          string(cfg.Method),
	}, eng.now())
	if err := eng.Store.PutMuteConfig(ctx, guild, cfg, evt); err != nil {
		return err
	}
	eng.muteCfgCache.Remove(guild)
	return nil
}

// ApplyMute creates the single active mute for (guild, user); ErrConflict
// when one already exists, in which case the caller extends or lifts first.
// duration nil means indefinite. The role method resolves the mute role
// through the resource registry.
func (eng *Engine) ApplyMute(ctx context.Context, guild models.Snowflake, actor Actor, user models.Snowflake, reason string, evidence *string, duration *time.Duration, method models.MuteMethod) (*models.MuteCase, []Directive, error) {
	if user == 0 {
		return nil, nil, validationErr("user_id", "must be non-zero")
	}
	if err := eng.requireCapability(ctx, guild, actor, CapMuteApply); err != nil {
		return nil, nil, err
	}
	cfg, err := eng.MuteConfigFor(ctx, guild)
	if err != nil {
		return nil, nil, err
	}
	if method == "" {
		method = cfg.Method
	}

	now := eng.now()
	mc := &models.MuteCase{
		GuildID:     guild,
		UserID:      user,
		ModeratorID: actor.ID,
		Reason:      reason,
		Evidence:    evidence,
		CreatedAt:   now,
		Method:      method,
	}
	if duration != nil {
		until := now.Add(*duration)
		mc.Until = &until
	}

	var directive Directive
	switch method {
	case models.MuteMethodRole:
		roleID, err := eng.resolveKind(ctx, guild, ResourceKeyMuteRole, models.ResourceRole)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving mute role: %w", err)
		}
		mc.RoleID = &roleID
		directive = Directive{Kind: DirectiveGrantRole, GuildID: guild, UserID: user, RoleID: &roleID, Reason: reason}
	case models.MuteMethodTimeout:
		directive = Directive{Kind: DirectiveSetTimeout, GuildID: guild, UserID: user, Until: mc.Until, Reason: reason}
	default:
		return nil, nil, validationErr("method", "must be role or timeout")
	}

	evt := newAudit(guild, actor.ref(), "mute.applied", models.JSONB{
		"user_id": user.String(),
		"method":  string(method),
		"reason":  reason,
	}, now)
	if err := eng.Store.CreateMuteCase(ctx, mc, evt); err != nil {
		return nil, nil, err
	}
	muteAppliedCount.WithLabelValues(string(method)).Inc()
	return mc, []Directive{directive}, nil
}

// ActiveMute returns the active case for the pair; ErrNotFound when none.
func (eng *Engine) ActiveMute(ctx context.Context, guild, user models.Snowflake) (*models.MuteCase, error) {
	return eng.Store.GetActiveMute(ctx, guild, user)
}

// ExtendMute moves the active case's expiry in place. The case row is reused;
// only the audit log records the extension as a distinct event.
func (eng *Engine) ExtendMute(ctx context.Context, guild models.Snowflake, actor Actor, user models.Snowflake, newUntil *time.Time) (*models.MuteCase, error) {
	if err := eng.requireCapability(ctx, guild, actor, CapMuteApply); err != nil {
		return nil, err
	}
	payload := models.JSONB{"user_id": user.String()}
	if newUntil != nil {
		payload["until"] = newUntil.UTC().Format(time.RFC3339)
	}
	evt := newAudit(guild, actor.ref(), "mute.extended", payload, eng.now())
	return eng.Store.ExtendActiveMute(ctx, guild, user, newUntil, evt)
}

// LiftMute terminates the active case; ErrNotFound when none exists.
func (eng *Engine) LiftMute(ctx context.Context, guild models.Snowflake, actor Actor, user models.Snowflake, reason string) (*models.MuteCase, []Directive, error) {
	if err := eng.requireCapability(ctx, guild, actor, CapMuteLift); err != nil {
		return nil, nil, err
	}
	now := eng.now()
	evt := newAudit(guild, actor.ref(), "mute.lifted", models.JSONB{
		"user_id": user.String(),
		"reason":  reason,
	}, now)
	mc, err := eng.Store.LiftActiveMute(ctx, guild, user, store.LiftStamp{At: now, By: actor.ref(), Reason: reason}, evt)
	if err != nil {
		return nil, nil, err
	}
	muteLiftedCount.WithLabelValues("manual").Inc()
	return mc, []Directive{unmuteDirective(mc)}, nil
}

func unmuteDirective(mc *models.MuteCase) Directive {
	if mc.Method == models.MuteMethodRole {
		return Directive{Kind: DirectiveRevokeRole, GuildID: mc.GuildID, UserID: mc.UserID, RoleID: mc.RoleID}
	}
	return Directive{Kind: DirectiveClearTimeout, GuildID: mc.GuildID, UserID: mc.UserID}
}

// SweepExpired lifts every active case whose expiry has passed, with the
// system as actor and "expired" as reason, and returns the lifted cases plus
// the directives to reconcile platform state. Safe to run from concurrent
// workers: the lift is conditioned on the pre-sweep state, so each case is
// lifted exactly once.
func (eng *Engine) SweepExpired(ctx context.Context, now time.Time) ([]models.MuteCase, []Directive, error) {
	lifted, err := eng.Store.SweepExpiredMutes(ctx, now, store.LiftStamp{At: now, Reason: "expired"})
	if err != nil {
		return nil, nil, err
	}
	directives := make([]Directive, 0, len(lifted))
	for i := range lifted {
		mc := &lifted[i]
		directives = append(directives, unmuteDirective(mc))
		evt := newAudit(mc.GuildID, nil, "mute.expired", models.JSONB{
			"user_id": mc.UserID.String(),
			"case_id": mc.ID,
		}, now)
		if err := eng.Store.AppendAudit(ctx, evt); err != nil {
			eng.Logger.Error("appending mute expiry audit", "err", err, "guild", mc.GuildID, "case", mc.ID)
		}
		muteLiftedCount.WithLabelValues("expired").Inc()
	}
	return lifted, directives, nil
}

// ListMutes returns the pair's mute history, newest first.
func (eng *Engine) ListMutes(ctx context.Context, guild, user models.Snowflake, limit int) ([]models.MuteCase, error) {
	return eng.Store.ListMuteCases(ctx, guild, user, limit)
}
