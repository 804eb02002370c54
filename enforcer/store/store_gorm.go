package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

// GormStore is the Postgres-backed Store. The schema below is the external
// contract of the service; Migrate applies it verbatim rather than relying on
// AutoMigrate, which cannot express the CHECK constraints or the partial
// indexes. Cross-table invariants the schema cannot hold (single active mute,
// points recompute against the live case set) are serialized with
// pg_advisory_xact_lock on a per-(guild,user) key.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS tss;

CREATE TABLE IF NOT EXISTS tss.guilds (
	guild_id BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	modlog_channel_id BIGINT,
	admin_role_ids JSONB NOT NULL DEFAULT '[]',
	moderator_role_ids JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tss.resource_registry (
	guild_id BIGINT NOT NULL REFERENCES tss.guilds(guild_id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('role','channel','webhook','emoji','category')),
	external_id BIGINT NOT NULL,
	meta JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (guild_id, key)
);

CREATE TABLE IF NOT EXISTS tss.role_capabilities (
	guild_id BIGINT NOT NULL REFERENCES tss.guilds(guild_id) ON DELETE CASCADE,
	role_id BIGINT NOT NULL,
	capability TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (guild_id, role_id, capability)
);

CREATE TABLE IF NOT EXISTS tss.audit_log (
	id BIGSERIAL PRIMARY KEY,
	guild_id BIGINT NOT NULL,
	actor_id BIGINT,
	event TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_log_guild_idx ON tss.audit_log (guild_id, id DESC);

CREATE TABLE IF NOT EXISTS tss.warn_config (
	guild_id BIGINT PRIMARY KEY,
	cfg JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS tss.warn_cases (
	id BIGSERIAL PRIMARY KEY,
	guild_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	moderator_id BIGINT NOT NULL,
	points INTEGER NOT NULL CHECK (points > 0),
	reason TEXT NOT NULL,
	evidence TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ,
	deleted_by BIGINT,
	delete_reason TEXT
);
CREATE INDEX IF NOT EXISTS warn_cases_subject_idx ON tss.warn_cases (guild_id, user_id);
CREATE INDEX IF NOT EXISTS warn_cases_recency_idx ON tss.warn_cases (guild_id, created_at DESC);

CREATE TABLE IF NOT EXISTS tss.warn_points (
	guild_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	total INTEGER NOT NULL DEFAULT 0 CHECK (total >= 0),
	last_decay_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (guild_id, user_id)
);

CREATE TABLE IF NOT EXISTS tss.mute_config (
	guild_id BIGINT PRIMARY KEY,
	cfg JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS tss.mute_cases (
	id BIGSERIAL PRIMARY KEY,
	guild_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	moderator_id BIGINT NOT NULL,
	reason TEXT NOT NULL,
	evidence TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	until TIMESTAMPTZ,
	unmuted_at TIMESTAMPTZ,
	unmuted_by BIGINT,
	unmute_reason TEXT,
	method TEXT NOT NULL DEFAULT 'role' CHECK (method IN ('role','timeout')),
	role_id BIGINT
);
CREATE INDEX IF NOT EXISTS mute_cases_subject_idx ON tss.mute_cases (guild_id, user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS mute_cases_until_idx ON tss.mute_cases (guild_id, until);

CREATE TABLE IF NOT EXISTS tss.antinuke_guilds (
	guild_id BIGINT PRIMARY KEY REFERENCES tss.guilds(guild_id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tss.antinuke_incidents (
	id BIGSERIAL PRIMARY KEY,
	guild_id BIGINT NOT NULL REFERENCES tss.guilds(guild_id) ON DELETE CASCADE,
	reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS antinuke_incidents_guild_idx ON tss.antinuke_incidents (guild_id, id DESC);

CREATE TABLE IF NOT EXISTS tss.antinuke_snapshots (
	id BIGSERIAL PRIMARY KEY,
	incident_id BIGINT NOT NULL REFERENCES tss.antinuke_incidents(id) ON DELETE CASCADE,
	payload JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tss.antinuke_actions (
	id BIGSERIAL PRIMARY KEY,
	incident_id BIGINT NOT NULL REFERENCES tss.antinuke_incidents(id) ON DELETE CASCADE,
	actor_id BIGINT,
	kind TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS antinuke_actions_incident_idx ON tss.antinuke_actions (incident_id, id);
`

func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(schemaSQL).Error
}

// lockKey folds a snowflake into an int4 for pg_advisory_xact_lock(int, int).
func lockKey(id models.Snowflake) int32 {
	return int32(uint32(uint64(id)) ^ uint32(uint64(id)>>32))
}

func lockPair(tx *gorm.DB, guild, user models.Snowflake) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(?, ?)", lockKey(guild), lockKey(user)).Error
}

func mapErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) appendAudit(tx *gorm.DB, evt *models.AuditEvent) error {
	if evt == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	if evt.Payload == nil {
		evt.Payload = models.JSONB{}
	}
	return tx.Create(evt).Error
}

func cfgToJSONB(v any) (models.JSONB, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := models.JSONB{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cfgFromJSONB(blob models.JSONB, out any) error {
	raw, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *GormStore) UpsertGuild(ctx context.Context, g *models.Guild, audit *models.AuditEvent) error {
	g.AdminRoleIDs = g.AdminRoleIDs.Dedupe()
	g.ModeratorRoleIDs = g.ModeratorRoleIDs.Dedupe()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "modlog_channel_id", "admin_role_ids", "moderator_role_ids",
			}),
		}).Create(g).Error; err != nil {
			return err
		}
		return s.appendAudit(tx, audit)
	})
}

func (s *GormStore) GetGuild(ctx context.Context, guild models.Snowflake) (*models.Guild, error) {
	var g models.Guild
	if err := s.db.WithContext(ctx).First(&g, "guild_id = ?", guild).Error; err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (s *GormStore) PutResource(ctx context.Context, entry *models.ResourceEntry, audit *models.AuditEvent) error {
	if entry.Meta == nil {
		entry.Meta = models.JSONB{}
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev models.ResourceEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&prev, "guild_id = ? AND key = ?", entry.GuildID, entry.Key).Error
		switch {
		case err == nil:
			if prev.Kind != entry.Kind {
				return ErrKindMismatch
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"external_id", "meta", "updated_at"}),
		}).Create(entry).Error; err != nil {
			return err
		}
		return s.appendAudit(tx, audit)
	})
}

func (s *GormStore) GetResource(ctx context.Context, guild models.Snowflake, key string) (*models.ResourceEntry, error) {
	var e models.ResourceEntry
	if err := s.db.WithContext(ctx).First(&e, "guild_id = ? AND key = ?", guild, key).Error; err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (s *GormStore) DeleteResource(ctx context.Context, guild models.Snowflake, key string, audit *models.AuditEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("guild_id = ? AND key = ?", guild, key).Delete(&models.ResourceEntry{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return s.appendAudit(tx, audit)
	})
}

func (s *GormStore) ListResources(ctx context.Context, guild models.Snowflake) ([]models.ResourceEntry, error) {
	var out []models.ResourceEntry
	err := s.db.WithContext(ctx).Where("guild_id = ?", guild).Order("key").Find(&out).Error
	return out, err
}

func (s *GormStore) GrantCapability(ctx context.Context, grant *models.RoleCapability, audit *models.AuditEvent) error {
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(grant)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// already granted; idempotent, nothing to audit
			return nil
		}
		return s.appendAudit(tx, audit)
	})
}

func (s *GormStore) RevokeCapability(ctx context.Context, guild, role models.Snowflake, capability string, audit *models.AuditEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("guild_id = ? AND role_id = ? AND capability = ?", guild, role, capability).
			Delete(&models.RoleCapability{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return s.appendAudit(tx, audit)
	})
}

func (s *GormStore) AnyRoleHasCapability(ctx context.Context, guild models.Snowflake, roles models.SnowflakeSet, capability string) (bool, error) {
	if len(roles) == 0 {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&models.RoleCapability{}).
		Where("guild_id = ? AND capability = ? AND role_id IN ?", guild, capability, []models.Snowflake(roles)).
		Count(&n).Error
	return n > 0, err
}

func (s *GormStore) AppendAudit(ctx context.Context, evt *models.AuditEvent) error {
	return s.appendAudit(s.db.WithContext(ctx), evt)
}

func (s *GormStore) ListAudit(ctx context.Context, guild models.Snowflake, limit int, beforeID int64) ([]models.AuditEvent, error) {
	q := s.db.WithContext(ctx).Where("guild_id = ?", guild).Order("id DESC")
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.AuditEvent
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) GetWarnConfig(ctx context.Context, guild models.Snowflake) (*models.WarnConfig, error) {
	var row models.WarnConfigRow
	if err := s.db.WithContext(ctx).First(&row, "guild_id = ?", guild).Error; err != nil {
		return nil, mapErr(err)
	}
	var cfg models.WarnConfig
	if err := cfgFromJSONB(row.Cfg, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *GormStore) PutWarnConfig(ctx context.Context, guild models.Snowflake, cfg models.WarnConfig, audit *models.AuditEvent) error {
	blob, err := cfgToJSONB(cfg)
	if err != nil {
		return err
	}
	row := models.WarnConfigRow{GuildID: guild, Cfg: blob}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"cfg"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return s.appendAudit(tx, audit)
	})
}

// recomputePoints applies update to the accumulator row under the caller's
// advisory lock and upserts the result. The earliest live case anchors decay
// for rows that have never decayed.
func (s *GormStore) recomputePoints(tx *gorm.DB, guild, user models.Snowflake, update PointsFunc) (models.WarnPoints, error) {
	var cur models.WarnPoints
	err := tx.First(&cur, "guild_id = ? AND user_id = ?", guild, user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cur = models.WarnPoints{GuildID: guild, UserID: user}
	} else if err != nil {
		return models.WarnPoints{}, err
	}

	var anchor struct {
		Earliest *time.Time
	}
	if err := tx.Model(&models.WarnCase{}).
		Select("min(created_at) AS earliest").
		Where("guild_id = ? AND user_id = ? AND deleted_at IS NULL", guild, user).
		Scan(&anchor).Error; err != nil {
		return models.WarnPoints{}, err
	}

	next := update(cur, anchor.Earliest)
	next.GuildID = guild
	next.UserID = user
	if next.Total < 0 {
		next.Total = 0
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now()
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"total", "last_decay_at", "updated_at"}),
	}).Create(&next).Error
	return next, err
}

func (s *GormStore) CreateWarnCase(ctx context.Context, wc *models.WarnCase, update PointsFunc, audit *models.AuditEvent) (models.WarnPoints, error) {
	if wc.CreatedAt.IsZero() {
		wc.CreatedAt = time.Now()
	}
	var pts models.WarnPoints
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPair(tx, wc.GuildID, wc.UserID); err != nil {
			return err
		}
		if err := tx.Create(wc).Error; err != nil {
			return err
		}
		var err error
		pts, err = s.recomputePoints(tx, wc.GuildID, wc.UserID, update)
		if err != nil {
			return err
		}
		return s.appendAudit(tx, audit)
	})
	return pts, err
}

func (s *GormStore) SoftDeleteWarnCase(ctx context.Context, guild models.Snowflake, caseID int64, by models.Snowflake, reason string, update PointsFunc, audit *models.AuditEvent) (*models.WarnCase, models.WarnPoints, error) {
	var (
		wc  models.WarnCase
		pts models.WarnPoints
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&wc, "id = ? AND guild_id = ? AND deleted_at IS NULL", caseID, guild).Error
		if err != nil {
			return mapErr(err)
		}
		if err := lockPair(tx, guild, wc.UserID); err != nil {
			return err
		}
		now := time.Now()
		res := tx.Model(&models.WarnCase{}).
			Where("id = ? AND deleted_at IS NULL", caseID).
			Updates(map[string]any{
				"deleted_at":    now,
				"deleted_by":    by,
				"delete_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		wc.DeletedAt = &now
		wc.DeletedBy = &by
		wc.DeleteReason = &reason
		removed := wc.Points
		pts, err = s.recomputePoints(tx, guild, wc.UserID, func(cur models.WarnPoints, earliest *time.Time) models.WarnPoints {
			next := update(cur, earliest)
			next.Total -= removed
			return next
		})
		if err != nil {
			return err
		}
		return s.appendAudit(tx, audit)
	})
	if err != nil {
		return nil, models.WarnPoints{}, err
	}
	return &wc, pts, nil
}

func (s *GormStore) UpdateWarnPoints(ctx context.Context, guild, user models.Snowflake, update PointsFunc) (models.WarnPoints, error) {
	var pts models.WarnPoints
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPair(tx, guild, user); err != nil {
			return err
		}
		var err error
		pts, err = s.recomputePoints(tx, guild, user, update)
		return err
	})
	return pts, err
}

func (s *GormStore) ListWarnCases(ctx context.Context, guild, user models.Snowflake, limit int, beforeID int64) ([]models.WarnCase, error) {
	q := s.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ? AND deleted_at IS NULL", guild, user).
		Order("id DESC")
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.WarnCase
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) GetMuteConfig(ctx context.Context, guild models.Snowflake) (*models.MuteConfig, error) {
	var row models.MuteConfigRow
	if err := s.db.WithContext(ctx).First(&row, "guild_id = ?", guild).Error; err != nil {
		return nil, mapErr(err)
	}
	var cfg models.MuteConfig
	if err := cfgFromJSONB(row.Cfg, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *GormStore) PutMuteConfig(ctx context.Context, guild models.Snowflake, cfg models.MuteConfig, audit *models.AuditEvent) error {
	blob, err := cfgToJSONB(cfg)
	if err != nil {
		return err
	}
	row := models.MuteConfigRow{GuildID: guild, Cfg: blob}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"cfg"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return s.appendAudit(tx, audit)
	})
}

func activeMuteQuery(tx *gorm.DB, guild, user models.Snowflake) *gorm.DB {
	return tx.Where("guild_id = ? AND user_id = ? AND unmuted_at IS NULL", guild, user)
}

func (s *GormStore) CreateMuteCase(ctx context.Context, mc *models.MuteCase, audit *models.AuditEvent) error {
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPair(tx, mc.GuildID, mc.UserID); err != nil {
			return err
		}
		var n int64
		if err := activeMuteQuery(tx.Model(&models.MuteCase{}), mc.GuildID, mc.UserID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		if err := tx.Create(mc).Error; err != nil {
			return err
		}
		return s.appendAudit(tx, audit)
	})
}

func (s *GormStore) GetActiveMute(ctx context.Context, guild, user models.Snowflake) (*models.MuteCase, error) {
	var mc models.MuteCase
	err := activeMuteQuery(s.db.WithContext(ctx), guild, user).Order("id DESC").First(&mc).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &mc, nil
}

func (s *GormStore) ExtendActiveMute(ctx context.Context, guild, user models.Snowflake, until *time.Time, audit *models.AuditEvent) (*models.MuteCase, error) {
	var mc models.MuteCase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPair(tx, guild, user); err != nil {
			return err
		}
		err := activeMuteQuery(tx.Clauses(clause.Locking{Strength: "UPDATE"}), guild, user).
			Order("id DESC").First(&mc).Error
		if err != nil {
			return mapErr(err)
		}
		if err := tx.Model(&models.MuteCase{}).Where("id = ?", mc.ID).
			Update("until", until).Error; err != nil {
			return err
		}
		mc.Until = until
		return s.appendAudit(tx, audit)
	})
	if err != nil {
		return nil, err
	}
	return &mc, nil
}

func (s *GormStore) LiftActiveMute(ctx context.Context, guild, user models.Snowflake, stamp LiftStamp, audit *models.AuditEvent) (*models.MuteCase, error) {
	at := stamp.At
	if at.IsZero() {
		at = time.Now()
	}
	var mc models.MuteCase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPair(tx, guild, user); err != nil {
			return err
		}
		err := activeMuteQuery(tx.Clauses(clause.Locking{Strength: "UPDATE"}), guild, user).
			Order("id DESC").First(&mc).Error
		if err != nil {
			return mapErr(err)
		}
		res := tx.Model(&models.MuteCase{}).
			Where("id = ? AND unmuted_at IS NULL", mc.ID).
			Updates(map[string]any{
				"unmuted_at":    at,
				"unmuted_by":    stamp.By,
				"unmute_reason": stamp.Reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		mc.UnmutedAt = &at
		mc.UnmutedBy = stamp.By
		reason := stamp.Reason
		mc.UnmuteReason = &reason
		return s.appendAudit(tx, audit)
	})
	if err != nil {
		return nil, err
	}
	return &mc, nil
}

// SweepExpiredMutes is a single conditional UPDATE, so concurrent sweepers
// cannot double-lift a case: whichever statement wins the row sees it, the
// loser's predicate no longer matches.
func (s *GormStore) SweepExpiredMutes(ctx context.Context, now time.Time, stamp LiftStamp) ([]models.MuteCase, error) {
	at := stamp.At
	if at.IsZero() {
		at = now
	}
	var lifted []models.MuteCase
	res := s.db.WithContext(ctx).Model(&lifted).
		Clauses(clause.Returning{}).
		Where("unmuted_at IS NULL AND until IS NOT NULL AND until <= ?", now).
		Updates(map[string]any{
			"unmuted_at":    at,
			"unmuted_by":    stamp.By,
			"unmute_reason": stamp.Reason,
		})
	return lifted, res.Error
}

func (s *GormStore) ListMuteCases(ctx context.Context, guild, user models.Snowflake, limit int) ([]models.MuteCase, error) {
	q := s.db.WithContext(ctx).Where("guild_id = ? AND user_id = ?", guild, user).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.MuteCase
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) EnrollAntinuke(ctx context.Context, guild models.Snowflake, audit *models.AuditEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.AntinukeGuild{GuildID: guild, CreatedAt: time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return s.appendAudit(tx, audit)
	})
}

func (s *GormStore) UnenrollAntinuke(ctx context.Context, guild models.Snowflake, audit *models.AuditEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.AntinukeGuild{}, "guild_id = ?", guild)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return s.appendAudit(tx, audit)
	})
}

func (s *GormStore) AntinukeEnrolled(ctx context.Context, guild models.Snowflake) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.AntinukeGuild{}).
		Where("guild_id = ?", guild).Count(&n).Error
	return n > 0, err
}

func (s *GormStore) lastActivity(tx *gorm.DB, inc *models.AntinukeIncident) (time.Time, error) {
	var row struct {
		Latest *time.Time
	}
	err := tx.Model(&models.AntinukeAction{}).
		Select("max(created_at) AS latest").
		Where("incident_id = ?", inc.ID).
		Scan(&row).Error
	if err != nil {
		return time.Time{}, err
	}
	last := inc.CreatedAt
	if row.Latest != nil && row.Latest.After(last) {
		last = *row.Latest
	}
	return last, nil
}

func (s *GormStore) incidentClosed(tx *gorm.DB, incidentID int64) (bool, error) {
	var n int64
	err := tx.Model(&models.AntinukeAction{}).
		Where("incident_id = ? AND kind = ?", incidentID, models.ActionClose).
		Count(&n).Error
	return n > 0, err
}

// OpenOrGetIncident dedupes incident creation per guild: the newest incident
// is reused while it has no close action and its last activity is within
// cooldown. Serialized on a per-guild advisory lock so two observers cannot
// open two incidents for the same burst.
func (s *GormStore) OpenOrGetIncident(ctx context.Context, guild models.Snowflake, reason string, cooldown time.Duration, now time.Time, audit *models.AuditEvent) (*models.AntinukeIncident, bool, error) {
	var (
		inc    models.AntinukeIncident
		opened bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPair(tx, guild, 0); err != nil {
			return err
		}
		err := tx.Where("guild_id = ?", guild).Order("id DESC").First(&inc).Error
		if err == nil {
			closed, cerr := s.incidentClosed(tx, inc.ID)
			if cerr != nil {
				return cerr
			}
			if !closed {
				last, aerr := s.lastActivity(tx, &inc)
				if aerr != nil {
					return aerr
				}
				if cooldown <= 0 || now.Sub(last) <= cooldown {
					return nil
				}
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		inc = models.AntinukeIncident{GuildID: guild, Reason: reason, CreatedAt: now}
		if err := tx.Create(&inc).Error; err != nil {
			return err
		}
		opened = true
		return s.appendAudit(tx, audit)
	})
	if err != nil {
		return nil, false, err
	}
	return &inc, opened, nil
}

func (s *GormStore) GetIncident(ctx context.Context, id int64) (*models.AntinukeIncident, error) {
	var inc models.AntinukeIncident
	if err := s.db.WithContext(ctx).First(&inc, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &inc, nil
}

func (s *GormStore) ListIncidents(ctx context.Context, guild models.Snowflake, limit int) ([]models.AntinukeIncident, error) {
	q := s.db.WithContext(ctx).Where("guild_id = ?", guild).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.AntinukeIncident
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) AddSnapshot(ctx context.Context, snap *models.AntinukeSnapshot, audit *models.AuditEvent) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	if snap.Payload == nil {
		snap.Payload = models.JSONB{}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.AntinukeIncident{}).Where("id = ?", snap.IncidentID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if err := tx.Create(snap).Error; err != nil {
			return err
		}
		return s.appendAudit(tx, audit)
	})
}

func (s *GormStore) LatestSnapshot(ctx context.Context, incidentID int64) (*models.AntinukeSnapshot, error) {
	var snap models.AntinukeSnapshot
	err := s.db.WithContext(ctx).Where("incident_id = ?", incidentID).
		Order("id DESC").First(&snap).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &snap, nil
}

func (s *GormStore) AddAction(ctx context.Context, act *models.AntinukeAction, audit *models.AuditEvent) error {
	if act.CreatedAt.IsZero() {
		act.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.AntinukeIncident{}).Where("id = ?", act.IncidentID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if err := tx.Create(act).Error; err != nil {
			return err
		}
		return s.appendAudit(tx, audit)
	})
}

func (s *GormStore) ListActions(ctx context.Context, incidentID int64) ([]models.AntinukeAction, error) {
	var out []models.AntinukeAction
	err := s.db.WithContext(ctx).Where("incident_id = ?", incidentID).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteIncident(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&models.AntinukeIncident{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
