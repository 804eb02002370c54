package enforcer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/RussellLuo/slidingwindow"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/Stowber/TigrisSecuritySystem/enforcer/burststore"
	"github.com/Stowber/TigrisSecuritySystem/enforcer/store"
	"github.com/Stowber/TigrisSecuritySystem/models"
)

// Actor is the authenticated identity attempting an operation, with the role
// set it holds in the target guild. Authentication happens upstream; the
// engine only authorizes.
type Actor struct {
	ID    models.Snowflake
	Roles models.SnowflakeSet
}

// System is the actor used by sweeps and other internal maintenance; it
// bypasses capability checks.
var System = Actor{}

func (a Actor) IsSystem() bool {
	return a.ID == 0
}

// ref returns the actor id for audit rows, nil for the system actor.
func (a Actor) ref() *models.Snowflake {
	if a.IsSystem() {
		return nil
	}
	id := a.ID
	return &id
}

// Applier executes the engine's directives against the live platform and is
// the only path by which the engine's decisions become platform mutations.
type Applier interface {
	Apply(ctx context.Context, directives []Directive) error
}

// EngineConfig carries the cross-guild tunables. Per-guild policy lives in
// warn_config/mute_config rows instead.
type EngineConfig struct {
	// IncidentCooldown is the derived-closure window: an incident with no
	// close action counts as open while its last activity is within this
	// duration.
	IncidentCooldown time.Duration

	// BurstWindow and BurstThreshold define the per-(guild, actor) sliding
	// window for destructive actions; exceeding the threshold opens an
	// incident.
	BurstWindow    time.Duration
	BurstThreshold int64

	// ActorCeilingPerSec is the hard rate ceiling per actor. Beyond it the
	// engine stops opening work and instead asks the caller to throttle the
	// actor outright.
	ActorCeilingPerSec float64
	ActorCeilingBurst  int

	// ConfigCacheSize bounds the per-guild warn/mute config caches.
	ConfigCacheSize int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		IncidentCooldown:   15 * time.Minute,
		BurstWindow:        10 * time.Second,
		BurstThreshold:     5,
		ActorCeilingPerSec: 10,
		ActorCeilingBurst:  20,
		ConfigCacheSize:    1024,
	}
}

// Engine is the moderation enforcement core: warn-points accumulation with
// decay and threshold escalation, the mute lifecycle, and antinuke incident
// response. It owns policy and persistence; platform mutations leave it only
// as directives.
type Engine struct {
	Logger  *slog.Logger
	Store   store.Store
	Bursts  burststore.BurstStore
	Applier Applier
	Config  EngineConfig

	// Now is the clock; nil means time.Now. Swapped out in tests.
	Now func() time.Time

	warnCfgCache *lru.Cache[models.Snowflake, models.WarnConfig]
	muteCfgCache *lru.Cache[models.Snowflake, models.MuteConfig]
	burstWindows *xsync.MapOf[string, *slidingwindow.Limiter]
	ceilings     *xsync.MapOf[string, *rate.Limiter]
}

func NewEngine(logger *slog.Logger, st store.Store, bursts burststore.BurstStore, cfg EngineConfig) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfigCacheSize <= 0 {
		cfg.ConfigCacheSize = DefaultEngineConfig().ConfigCacheSize
	}
	// slidingwindow.NewLimiter needs a positive size, and a zero ceiling
	// would throttle every observed action
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultEngineConfig().BurstWindow
	}
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = DefaultEngineConfig().BurstThreshold
	}
	if cfg.ActorCeilingPerSec <= 0 {
		cfg.ActorCeilingPerSec = DefaultEngineConfig().ActorCeilingPerSec
	}
	if cfg.ActorCeilingBurst <= 0 {
		cfg.ActorCeilingBurst = DefaultEngineConfig().ActorCeilingBurst
	}
	warnCache, err := lru.New[models.Snowflake, models.WarnConfig](cfg.ConfigCacheSize)
	if err != nil {
		return nil, err
	}
	muteCache, err := lru.New[models.Snowflake, models.MuteConfig](cfg.ConfigCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		Logger:       logger,
		Store:        st,
		Bursts:       bursts,
		Config:       cfg,
		warnCfgCache: warnCache,
		muteCfgCache: muteCache,
		burstWindows: xsync.NewMapOf[string, *slidingwindow.Limiter](),
		ceilings:     xsync.NewMapOf[string, *rate.Limiter](),
	}, nil
}

func (eng *Engine) now() time.Time {
	if eng.Now != nil {
		return eng.Now()
	}
	return time.Now()
}

// SetupGuild upserts the guild row, deduplicating the role-id sets.
func (eng *Engine) SetupGuild(ctx context.Context, actor Actor, g models.Guild) (*models.Guild, error) {
	if g.GuildID == 0 {
		return nil, validationErr("guild_id", "must be non-zero")
	}
	// first registration bootstraps the guild; after that, reconfiguration is
	// gated like any other privileged mutation
	if _, err := eng.Store.GetGuild(ctx, g.GuildID); err == nil {
		if err := eng.requireCapability(ctx, g.GuildID, actor, CapConfigure); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	evt := newAudit(g.GuildID, actor.ref(), "guild.upserted", models.JSONB{
		"name": g.Name,
	}, eng.now())
	if err := eng.Store.UpsertGuild(ctx, &g, evt); err != nil {
		return nil, err
	}
	return &g, nil
}

func (eng *Engine) GetGuild(ctx context.Context, guild models.Snowflake) (*models.Guild, error) {
	return eng.Store.GetGuild(ctx, guild)
}

// SetModlogChannel points the guild's moderation-log at a channel, or clears
// it when id is nil. The registry's modlog-channel key is kept in step so
// Resolve answers the same question.
func (eng *Engine) SetModlogChannel(ctx context.Context, guild models.Snowflake, actor Actor, id *models.Snowflake) (*models.Guild, error) {
	if err := eng.requireCapability(ctx, guild, actor, CapConfigure); err != nil {
		return nil, err
	}
	g, err := eng.Store.GetGuild(ctx, guild)
	if err != nil {
		return nil, err
	}
	g.ModlogChannelID = id
	payload := models.JSONB{}
	if id != nil {
		payload["channel_id"] = id.String()
	}
	evt := newAudit(guild, actor.ref(), "guild.modlog_set", payload, eng.now())
	if err := eng.Store.UpsertGuild(ctx, g, evt); err != nil {
		return nil, err
	}
	if id != nil {
		entry := &models.ResourceEntry{
			GuildID:    guild,
			Key:        ResourceKeyModlogChannel,
			Kind:       models.ResourceChannel,
			ExternalID: *id,
			Meta:       models.JSONB{},
			UpdatedAt:  eng.now(),
		}
		if err := eng.Store.PutResource(ctx, entry, nil); err != nil {
			return nil, err
		}
	} else if err := eng.Store.DeleteResource(ctx, guild, ResourceKeyModlogChannel, nil); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return g, nil
}

// SetRoleSets replaces the guild's admin and moderator role sets.
func (eng *Engine) SetRoleSets(ctx context.Context, guild models.Snowflake, actor Actor, admin, moderator models.SnowflakeSet) (*models.Guild, error) {
	if err := eng.requireCapability(ctx, guild, actor, CapConfigure); err != nil {
		return nil, err
	}
	g, err := eng.Store.GetGuild(ctx, guild)
	if err != nil {
		return nil, err
	}
	g.AdminRoleIDs = admin.Dedupe()
	g.ModeratorRoleIDs = moderator.Dedupe()
	evt := newAudit(guild, actor.ref(), "guild.roles_set", models.JSONB{
		"admin_roles":     len(g.AdminRoleIDs),
		"moderator_roles": len(g.ModeratorRoleIDs),
	}, eng.now())
	if err := eng.Store.UpsertGuild(ctx, g, evt); err != nil {
		return nil, err
	}
	return g, nil
}
