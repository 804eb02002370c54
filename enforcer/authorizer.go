package enforcer

import (
	"context"
	"errors"
	"fmt"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

// Capability names checked before privileged mutations. Grants are flat
// present-or-absent records per (guild, role, capability); guild admin roles
// implicitly hold every capability.
const (
	CapWarnIssue        = "warn.issue"
	CapWarnRemove       = "warn.remove"
	CapMuteApply        = "mute.apply"
	CapMuteLift         = "mute.lift"
	CapAntinukeManage   = "antinuke.manage"
	CapRegistryManage   = "registry.manage"
	CapCapabilityManage = "capability.manage"
	CapConfigure        = "config.manage"
)

// HasCapability reports whether any of the given roles holds the capability
// in the guild, either by an explicit grant or by being a guild admin role.
// No side effects.
func (eng *Engine) HasCapability(ctx context.Context, guild models.Snowflake, roles models.SnowflakeSet, capability string) (bool, error) {
	ok, err := eng.Store.AnyRoleHasCapability(ctx, guild, roles, capability)
	if err != nil || ok {
		return ok, err
	}
	g, err := eng.Store.GetGuild(ctx, guild)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, r := range roles {
		if g.AdminRoleIDs.Contains(r) {
			return true, nil
		}
	}
	return false, nil
}

func (eng *Engine) requireCapability(ctx context.Context, guild models.Snowflake, actor Actor, capability string) error {
	if actor.IsSystem() {
		return nil
	}
	ok, err := eng.HasCapability(ctx, guild, actor.Roles, capability)
	if err != nil {
		return err
	}
	if !ok {
		authzDeniedCount.WithLabelValues(capability).Inc()
		return fmt.Errorf("%s for actor %s: %w", capability, actor.ID, ErrAuthorizationDenied)
	}
	return nil
}

// GrantCapability records a grant; re-granting is idempotent.
func (eng *Engine) GrantCapability(ctx context.Context, guild models.Snowflake, actor Actor, role models.Snowflake, capability string) error {
	if capability == "" {
		return validationErr("capability", "must be non-empty")
	}
	if err := eng.requireCapability(ctx, guild, actor, CapCapabilityManage); err != nil {
		return err
	}
	grant := &models.RoleCapability{GuildID: guild, RoleID: role, Capability: capability, GrantedAt: eng.now()}
	evt := newAudit(guild, actor.ref(), "capability.granted", models.JSONB{
		"role_id":    role.String(),
		"capability": capability,
	}, eng.now())
	return eng.Store.GrantCapability(ctx, grant, evt)
}

// RevokeCapability removes a grant; ErrNotFound when it does not exist.
func (eng *Engine) RevokeCapability(ctx context.Context, guild models.Snowflake, actor Actor, role models.Snowflake, capability string) error {
	if err := eng.requireCapability(ctx, guild, actor, CapCapabilityManage); err != nil {
		return err
	}
	evt := newAudit(guild, actor.ref(), "capability.revoked", models.JSONB{
		"role_id":    role.String(),
		"capability": capability,
	}, eng.now())
	return eng.Store.RevokeCapability(ctx, guild, role, capability, evt)
}
