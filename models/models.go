package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Snowflake is an opaque platform identifier (guild, user, role, channel,
// webhook, and so on). Stored as BIGINT.
type Snowflake uint64

func (s Snowflake) String() string {
	return fmt.Sprintf("%d", uint64(s))
}

// SnowflakeSet is a deduplicated set of identifiers, persisted as a JSONB
// array so that the same models work across dialects.
type SnowflakeSet []Snowflake

func (ss SnowflakeSet) Contains(id Snowflake) bool {
	for _, v := range ss {
		if v == id {
			return true
		}
	}
	return false
}

// Add returns the set with id included, preserving the no-duplicates invariant.
func (ss SnowflakeSet) Add(id Snowflake) SnowflakeSet {
	if ss.Contains(id) {
		return ss
	}
	return append(ss, id)
}

func (ss SnowflakeSet) Remove(id Snowflake) SnowflakeSet {
	out := ss[:0]
	for _, v := range ss {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Dedupe collapses duplicates while keeping first-seen order.
func (ss SnowflakeSet) Dedupe() SnowflakeSet {
	seen := make(map[Snowflake]bool, len(ss))
	out := make(SnowflakeSet, 0, len(ss))
	for _, v := range ss {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func (ss *SnowflakeSet) Scan(v interface{}) error {
	if v == nil {
		*ss = SnowflakeSet{}
		return nil
	}
	var b []byte
	switch tv := v.(type) {
	case []byte:
		b = tv
	case string:
		b = []byte(tv)
	default:
		return fmt.Errorf("snowflake sets must be stored as JSON bytes, got %T", v)
	}
	if len(b) == 0 {
		*ss = SnowflakeSet{}
		return nil
	}
	return json.Unmarshal(b, ss)
}

func (ss SnowflakeSet) Value() (driver.Value, error) {
	if ss == nil {
		ss = SnowflakeSet{}
	}
	return json.Marshal(ss)
}

func (SnowflakeSet) GormDataType() string {
	return "jsonb"
}

// JSONB is an arbitrary structured payload column.
type JSONB map[string]any

func (j *JSONB) Scan(v interface{}) error {
	if v == nil {
		*j = JSONB{}
		return nil
	}
	var b []byte
	switch tv := v.(type) {
	case []byte:
		b = tv
	case string:
		b = []byte(tv)
	default:
		return fmt.Errorf("jsonb columns must be stored as JSON bytes, got %T", v)
	}
	if len(b) == 0 {
		*j = JSONB{}
		return nil
	}
	return json.Unmarshal(b, j)
}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		j = JSONB{}
	}
	return json.Marshal(j)
}

func (JSONB) GormDataType() string {
	return "jsonb"
}

// Guild is the tenant root. Rows are never deleted, only left behind.
type Guild struct {
	GuildID          Snowflake    `gorm:"column:guild_id;primaryKey" json:"guild_id"`
	Name             string       `gorm:"column:name;not null;default:''" json:"name"`
	ModlogChannelID  *Snowflake   `gorm:"column:modlog_channel_id" json:"modlog_channel_id,omitempty"`
	AdminRoleIDs     SnowflakeSet `gorm:"column:admin_role_ids;not null" json:"admin_role_ids"`
	ModeratorRoleIDs SnowflakeSet `gorm:"column:moderator_role_ids;not null" json:"moderator_role_ids"`
	CreatedAt        time.Time    `gorm:"column:created_at;not null" json:"created_at"`
}

func (Guild) TableName() string { return "tss.guilds" }

type ResourceKind string

const (
	ResourceRole     ResourceKind = "role"
	ResourceChannel  ResourceKind = "channel"
	ResourceWebhook  ResourceKind = "webhook"
	ResourceEmoji    ResourceKind = "emoji"
	ResourceCategory ResourceKind = "category"
)

func (k ResourceKind) Valid() bool {
	switch k {
	case ResourceRole, ResourceChannel, ResourceWebhook, ResourceEmoji, ResourceCategory:
		return true
	}
	return false
}

// ResourceEntry maps a guild-scoped logical key ("mute-role", "modlog-channel")
// to a concrete platform identifier. Kind is immutable once set for a key.
type ResourceEntry struct {
	GuildID    Snowflake    `gorm:"column:guild_id;primaryKey" json:"guild_id"`
	Key        string       `gorm:"column:key;primaryKey" json:"key"`
	Kind       ResourceKind `gorm:"column:kind;not null" json:"kind"`
	ExternalID Snowflake    `gorm:"column:external_id;not null" json:"external_id"`
	Meta       JSONB        `gorm:"column:meta;not null" json:"meta"`
	UpdatedAt  time.Time    `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (ResourceEntry) TableName() string { return "tss.resource_registry" }

// RoleCapability is a present-or-absent grant; no quantities, no expiry.
type RoleCapability struct {
	GuildID    Snowflake `gorm:"column:guild_id;primaryKey" json:"guild_id"`
	RoleID     Snowflake `gorm:"column:role_id;primaryKey" json:"role_id"`
	Capability string    `gorm:"column:capability;primaryKey" json:"capability"`
	GrantedAt  time.Time `gorm:"column:granted_at;not null" json:"granted_at"`
}

func (RoleCapability) TableName() string { return "tss.role_capabilities" }

// AuditEvent is one append-only record. Rows are never mutated or deleted.
type AuditEvent struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	GuildID   Snowflake  `gorm:"column:guild_id;not null" json:"guild_id"`
	ActorID   *Snowflake `gorm:"column:actor_id" json:"actor_id,omitempty"`
	Event     string     `gorm:"column:event;not null" json:"event"`
	Payload   JSONB      `gorm:"column:payload;not null" json:"payload"`
	CreatedAt time.Time  `gorm:"column:created_at;not null" json:"created_at"`
}

func (AuditEvent) TableName() string { return "tss.audit_log" }

// WarnConfig is the per-guild warn tunables blob stored in tss.warn_config.cfg.
type WarnConfig struct {
	DecayDays    int `json:"decay_days"`
	DecayPoints  int `json:"decay_points"`
	TimeoutPts   int `json:"timeout_pts"`
	TimeoutHours int `json:"timeout_hours"`
	KickPts      int `json:"kick_pts"`
	BanPts       int `json:"ban_pts"`
}

// DefaultWarnConfig matches the schema defaults: points decay by 3 every 30
// days, timeout at 3 points for 12h, kick at 6, ban at 9.
func DefaultWarnConfig() WarnConfig {
	return WarnConfig{
		DecayDays:    30,
		DecayPoints:  3,
		TimeoutPts:   3,
		TimeoutHours: 12,
		KickPts:      6,
		BanPts:       9,
	}
}

// DecayInterval is the duration of one whole decay step.
func (c WarnConfig) DecayInterval() time.Duration {
	return time.Duration(c.DecayDays) * 24 * time.Hour
}

// ThresholdsAscending reports whether the escalation tiers are usable as
// configured (timeout <= kick <= ban).
func (c WarnConfig) ThresholdsAscending() bool {
	return c.TimeoutPts <= c.KickPts && c.KickPts <= c.BanPts
}

// WarnConfigRow is the persisted shape: one JSONB blob per guild.
type WarnConfigRow struct {
	GuildID Snowflake `gorm:"column:guild_id;primaryKey" json:"guild_id"`
	Cfg     JSONB     `gorm:"column:cfg;not null" json:"cfg"`
}

func (WarnConfigRow) TableName() string { return "tss.warn_config" }

// WarnCase is one immutable warning. Soft deletion (un-warn) stamps the
// deleted_* columns exactly once; the row itself stays for the record.
type WarnCase struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	GuildID      Snowflake  `gorm:"column:guild_id;not null" json:"guild_id"`
	UserID       Snowflake  `gorm:"column:user_id;not null" json:"user_id"`
	ModeratorID  Snowflake  `gorm:"column:moderator_id;not null" json:"moderator_id"`
	Points       int        `gorm:"column:points;not null" json:"points"`
	Reason       string     `gorm:"column:reason;not null" json:"reason"`
	Evidence     *string    `gorm:"column:evidence" json:"evidence,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	DeletedAt    *time.Time `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
	DeletedBy    *Snowflake `gorm:"column:deleted_by" json:"deleted_by,omitempty"`
	DeleteReason *string    `gorm:"column:delete_reason" json:"delete_reason,omitempty"`
}

func (WarnCase) TableName() string { return "tss.warn_cases" }

func (w *WarnCase) Deleted() bool { return w.DeletedAt != nil }

// WarnPoints is the per-(guild,user) accumulator: a cache over the case
// history with lazy decay anchored at last_decay_at.
type WarnPoints struct {
	GuildID     Snowflake  `gorm:"column:guild_id;primaryKey" json:"guild_id"`
	UserID      Snowflake  `gorm:"column:user_id;primaryKey" json:"user_id"`
	Total       int        `gorm:"column:total;not null;default:0" json:"total"`
	LastDecayAt *time.Time `gorm:"column:last_decay_at" json:"last_decay_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (WarnPoints) TableName() string { return "tss.warn_points" }

// MuteMethod selects how a mute is enforced on the platform.
type MuteMethod string

const (
	// MuteMethodRole grants a configured "muted" role.
	MuteMethodRole MuteMethod = "role"
	// MuteMethodTimeout uses the platform-native communication timeout.
	MuteMethodTimeout MuteMethod = "timeout"
)

func (m MuteMethod) Valid() bool {
	return m == MuteMethodRole || m == MuteMethodTimeout
}

// MuteConfig is the per-guild mute settings blob stored in tss.mute_config.cfg.
type MuteConfig struct {
	DefaultMinutes int        `json:"default_minutes"`
	Method         MuteMethod `json:"method"`
}

func DefaultMuteConfig() MuteConfig {
	return MuteConfig{DefaultMinutes: 30, Method: MuteMethodTimeout}
}

func (c MuteConfig) DefaultDuration() time.Duration {
	return time.Duration(c.DefaultMinutes) * time.Minute
}

// MuteConfigRow is the persisted shape: one JSONB blob per guild.
type MuteConfigRow struct {
	GuildID Snowflake `gorm:"column:guild_id;primaryKey" json:"guild_id"`
	Cfg     JSONB     `gorm:"column:cfg;not null" json:"cfg"`
}

func (MuteConfigRow) TableName() string { return "tss.mute_config" }

// MuteCase is one mute instance. A case is Active while unmuted_at is null and
// becomes terminal with exactly one lift mutation. role_id is populated only
// for the role method.
type MuteCase struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	GuildID      Snowflake  `gorm:"column:guild_id;not null" json:"guild_id"`
	UserID       Snowflake  `gorm:"column:user_id;not null" json:"user_id"`
	ModeratorID  Snowflake  `gorm:"column:moderator_id;not null" json:"moderator_id"`
	Reason       string     `gorm:"column:reason;not null" json:"reason"`
	Evidence     *string    `gorm:"column:evidence" json:"evidence,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	Until        *time.Time `gorm:"column:until" json:"until,omitempty"`
	UnmutedAt    *time.Time `gorm:"column:unmuted_at" json:"unmuted_at,omitempty"`
	UnmutedBy    *Snowflake `gorm:"column:unmuted_by" json:"unmuted_by,omitempty"`
	UnmuteReason *string    `gorm:"column:unmute_reason" json:"unmute_reason,omitempty"`
	Method       MuteMethod `gorm:"column:method;not null;default:'role'" json:"method"`
	RoleID       *Snowflake `gorm:"column:role_id" json:"role_id,omitempty"`
}

func (MuteCase) TableName() string { return "tss.mute_cases" }

func (m *MuteCase) Active() bool { return m.UnmutedAt == nil }

func (m *MuteCase) ExpiredAt(now time.Time) bool {
	return m.Active() && m.Until != nil && !m.Until.After(now)
}

// AntinukeGuild marks a guild as opted into antinuke monitoring.
type AntinukeGuild struct {
	GuildID   Snowflake `gorm:"column:guild_id;primaryKey" json:"guild_id"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (AntinukeGuild) TableName() string { return "tss.antinuke_guilds" }

// AntinukeIncident is the root of one containment episode. Snapshots and
// actions are cascade-deleted with it, so no orphans can exist.
type AntinukeIncident struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	GuildID   Snowflake `gorm:"column:guild_id;not null" json:"guild_id"`
	Reason    string    `gorm:"column:reason;not null" json:"reason"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`

	Snapshots []AntinukeSnapshot `gorm:"foreignKey:IncidentID;constraint:OnDelete:CASCADE" json:"-"`
	Actions   []AntinukeAction   `gorm:"foreignKey:IncidentID;constraint:OnDelete:CASCADE" json:"-"`
}

func (AntinukeIncident) TableName() string { return "tss.antinuke_incidents" }

// AntinukeSnapshot is a point-in-time capture of affected state, taken before
// containment mutates anything, so rollback stays possible.
type AntinukeSnapshot struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	IncidentID int64     `gorm:"column:incident_id;not null" json:"incident_id"`
	Payload    JSONB     `gorm:"column:payload;not null" json:"payload"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (AntinukeSnapshot) TableName() string { return "tss.antinuke_snapshots" }

// ActionClose is the terminal action kind: an incident with a close action is
// no longer open.
const ActionClose = "close"

// AntinukeAction is one containment step, causally ordered by insertion.
type AntinukeAction struct {
	ID         int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	IncidentID int64      `gorm:"column:incident_id;not null" json:"incident_id"`
	ActorID    *Snowflake `gorm:"column:actor_id" json:"actor_id,omitempty"`
	Kind       string     `gorm:"column:kind;not null" json:"kind"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null" json:"created_at"`
}

func (AntinukeAction) TableName() string { return "tss.antinuke_actions" }
