package store

import (
	"context"
	"errors"
	"time"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

var (
	// ErrNotFound indicates the referenced guild, entry, case, or incident
	// does not exist. Not retryable.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates the mutation lost to existing state: a second
	// active mute for the same (guild, user), for example. Callers choose to
	// extend or append instead of retrying as new.
	ErrConflict = errors.New("store: conflict with existing state")

	// ErrKindMismatch indicates a registry upsert tried to change the kind of
	// an existing key. Kind is immutable; delete and recreate instead.
	ErrKindMismatch = errors.New("store: resource kind is immutable for an existing key")
)

// PointsFunc transforms a warn-points accumulator inside the store's atomic
// unit. earliestCase is the creation time of the oldest live case for the
// (guild, user) pair, or nil when there is none; it anchors decay for rows
// that predate last_decay_at bookkeeping.
type PointsFunc func(cur models.WarnPoints, earliestCase *time.Time) models.WarnPoints

// LiftStamp carries the terminal mutation applied to an active mute case.
type LiftStamp struct {
	At     time.Time
	By     *models.Snowflake
	Reason string
}

// Store is the persistence boundary for the enforcement engine. Every
// mutating method that takes an *models.AuditEvent appends it within the same
// atomic unit as the state change, so a case insert and its audit row land or
// fail together. Implementations must serialize the hot read-modify-write
// paths (warn points, active-mute existence, open-incident existence) per
// (guild) or (guild, user) key across concurrent worker processes.
type Store interface {
	// Guilds.
	UpsertGuild(ctx context.Context, g *models.Guild, audit *models.AuditEvent) error
	GetGuild(ctx context.Context, guild models.Snowflake) (*models.Guild, error)

	// Resource registry.
	PutResource(ctx context.Context, entry *models.ResourceEntry, audit *models.AuditEvent) error
	GetResource(ctx context.Context, guild models.Snowflake, key string) (*models.ResourceEntry, error)
	DeleteResource(ctx context.Context, guild models.Snowflake, key string, audit *models.AuditEvent) error
	ListResources(ctx context.Context, guild models.Snowflake) ([]models.ResourceEntry, error)

	// Role capabilities.
	GrantCapability(ctx context.Context, grant *models.RoleCapability, audit *models.AuditEvent) error
	RevokeCapability(ctx context.Context, guild, role models.Snowflake, capability string, audit *models.AuditEvent) error
	AnyRoleHasCapability(ctx context.Context, guild models.Snowflake, roles models.SnowflakeSet, capability string) (bool, error)

	// Audit log (append-only; reads are for review surfaces, never decisions).
	AppendAudit(ctx context.Context, evt *models.AuditEvent) error
	ListAudit(ctx context.Context, guild models.Snowflake, limit int, beforeID int64) ([]models.AuditEvent, error)

	// Warn subsystem.
	GetWarnConfig(ctx context.Context, guild models.Snowflake) (*models.WarnConfig, error)
	PutWarnConfig(ctx context.Context, guild models.Snowflake, cfg models.WarnConfig, audit *models.AuditEvent) error
	// CreateWarnCase inserts the case and runs update against the accumulator
	// in one atomic unit, returning the stored case and the post-update points.
	CreateWarnCase(ctx context.Context, wc *models.WarnCase, update PointsFunc, audit *models.AuditEvent) (models.WarnPoints, error)
	// SoftDeleteWarnCase stamps the deleted_* columns of a live case, runs
	// update against the accumulator, then subtracts the removed case's
	// points (clamped at zero); ErrNotFound if the case is absent or already
	// deleted.
	SoftDeleteWarnCase(ctx context.Context, guild models.Snowflake, caseID int64, by models.Snowflake, reason string, update PointsFunc, audit *models.AuditEvent) (*models.WarnCase, models.WarnPoints, error)
	// UpdateWarnPoints runs update alone (lazy decay on read).
	UpdateWarnPoints(ctx context.Context, guild, user models.Snowflake, update PointsFunc) (models.WarnPoints, error)
	ListWarnCases(ctx context.Context, guild, user models.Snowflake, limit int, beforeID int64) ([]models.WarnCase, error)

	// Mute subsystem.
	GetMuteConfig(ctx context.Context, guild models.Snowflake) (*models.MuteConfig, error)
	PutMuteConfig(ctx context.Context, guild models.Snowflake, cfg models.MuteConfig, audit *models.AuditEvent) error
	// CreateMuteCase inserts mc iff no active case exists for the pair;
	// ErrConflict otherwise.
	CreateMuteCase(ctx context.Context, mc *models.MuteCase, audit *models.AuditEvent) error
	GetActiveMute(ctx context.Context, guild, user models.Snowflake) (*models.MuteCase, error)
	// ExtendActiveMute updates until on the active case; ErrNotFound when none.
	ExtendActiveMute(ctx context.Context, guild, user models.Snowflake, until *time.Time, audit *models.AuditEvent) (*models.MuteCase, error)
	// LiftActiveMute stamps the terminal columns; ErrNotFound when no active
	// case exists (lifting an already-lifted case is a no-op at this level).
	LiftActiveMute(ctx context.Context, guild, user models.Snowflake, stamp LiftStamp, audit *models.AuditEvent) (*models.MuteCase, error)
	// SweepExpiredMutes lifts every active case with until <= now and returns
	// the lifted cases. The mutation is conditioned on the pre-sweep state so
	// concurrent sweepers cannot double-lift.
	SweepExpiredMutes(ctx context.Context, now time.Time, stamp LiftStamp) ([]models.MuteCase, error)
	ListMuteCases(ctx context.Context, guild, user models.Snowflake, limit int) ([]models.MuteCase, error)

	// Antinuke subsystem.
	EnrollAntinuke(ctx context.Context, guild models.Snowflake, audit *models.AuditEvent) error
	UnenrollAntinuke(ctx context.Context, guild models.Snowflake, audit *models.AuditEvent) error
	AntinukeEnrolled(ctx context.Context, guild models.Snowflake) (bool, error)
	// OpenOrGetIncident opens a new incident unless one is still open for the
	// guild, in which case the open one is returned. An incident counts as
	// open while it has no close action and its last activity is within
	// cooldown of now. The dedup check and the insert are one atomic unit.
	OpenOrGetIncident(ctx context.Context, guild models.Snowflake, reason string, cooldown time.Duration, now time.Time, audit *models.AuditEvent) (*models.AntinukeIncident, bool, error)
	GetIncident(ctx context.Context, id int64) (*models.AntinukeIncident, error)
	ListIncidents(ctx context.Context, guild models.Snowflake, limit int) ([]models.AntinukeIncident, error)
	AddSnapshot(ctx context.Context, snap *models.AntinukeSnapshot, audit *models.AuditEvent) error
	LatestSnapshot(ctx context.Context, incidentID int64) (*models.AntinukeSnapshot, error)
	AddAction(ctx context.Context, act *models.AntinukeAction, audit *models.AuditEvent) error
	ListActions(ctx context.Context, incidentID int64) ([]models.AntinukeAction, error)
	// DeleteIncident removes the incident and, by cascade, its snapshots and
	// actions. Maintenance only; normal closure appends a close action.
	DeleteIncident(ctx context.Context, id int64) error
}
