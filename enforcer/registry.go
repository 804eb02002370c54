package enforcer

import (
	"context"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

// Well-known registry keys the engines resolve at runtime.
const (
	ResourceKeyMuteRole      = "mute-role"
	ResourceKeyModlogChannel = "modlog-channel"
)

// Register upserts a (guild, key) -> external handle mapping. Kind is
// immutable for an existing key; a mismatch fails with ErrKindMismatch and
// the caller deletes and recreates instead.
func (eng *Engine) Register(ctx context.Context, guild models.Snowflake, actor Actor, key string, kind models.ResourceKind, externalID models.Snowflake, meta models.JSONB) (*models.ResourceEntry, error) {
	if key == "" {
		return nil, validationErr("key", "must be non-empty")
	}
	if !kind.Valid() {
		return nil, validationErr("kind", "unknown resource kind "+string(kind))
	}
	if externalID == 0 {
		return nil, validationErr("external_id", "must be non-zero")
	}
	if err := eng.requireCapability(ctx, guild, actor, CapRegistryManage); err != nil {
		return nil, err
	}
	entry := &models.ResourceEntry{
		GuildID:    guild,
		Key:        key,
		Kind:       kind,
		ExternalID: externalID,
		Meta:       meta,
		UpdatedAt:  eng.now(),
	}
	evt := newAudit(guild, actor.ref(), "registry.set", models.JSONB{
		"key":         key,
		"kind":        string(kind),
		"external_id": externalID.String(),
	}, eng.now())
	if err := eng.Store.PutResource(ctx, entry, evt); err != nil {
		return nil, err
	}
	return entry, nil
}

// Resolve returns the external handle for a logical key; ErrNotFound when
// the key is not registered.
func (eng *Engine) Resolve(ctx context.Context, guild models.Snowflake, key string) (models.Snowflake, models.ResourceKind, error) {
	entry, err := eng.Store.GetResource(ctx, guild, key)
	if err != nil {
		return 0, "", err
	}
	return entry.ExternalID, entry.Kind, nil
}

// resolveKind resolves a key and enforces its expected kind.
func (eng *Engine) resolveKind(ctx context.Context, guild models.Snowflake, key string, want models.ResourceKind) (models.Snowflake, error) {
	id, kind, err := eng.Resolve(ctx, guild, key)
	if err != nil {
		return 0, err
	}
	if kind != want {
		return 0, ErrKindMismatch
	}
	return id, nil
}

func (eng *Engine) Unregister(ctx context.Context, guild models.Snowflake, actor Actor, key string) error {
	if err := eng.requireCapability(ctx, guild, actor, CapRegistryManage); err != nil {
		return err
	}
	evt := newAudit(guild, actor.ref(), "registry.deleted", models.JSONB{"key": key}, eng.now())
	return eng.Store.DeleteResource(ctx, guild, key, evt)
}

func (eng *Engine) ListResources(ctx context.Context, guild models.Snowflake) ([]models.ResourceEntry, error) {
	return eng.Store.ListResources(ctx, guild)
}
