package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

type pairKey struct {
	guild models.Snowflake
	user  models.Snowflake
}

type resourceKey struct {
	guild models.Snowflake
	key   string
}

type capKey struct {
	guild      models.Snowflake
	role       models.Snowflake
	capability string
}

// MemStore is a mutex-guarded in-memory Store. The single mutex gives it the
// same observable atomicity as the SQL implementation; it exists for tests
// and local development, not for multi-process deployments.
type MemStore struct {
	lk sync.Mutex

	guilds     map[models.Snowflake]models.Guild
	resources  map[resourceKey]models.ResourceEntry
	caps       map[capKey]models.RoleCapability
	audit      []models.AuditEvent
	auditSeq   int64
	warnCfg    map[models.Snowflake]models.WarnConfig
	warnCases  []models.WarnCase
	warnSeq    int64
	warnPoints map[pairKey]models.WarnPoints
	muteCfg    map[models.Snowflake]models.MuteConfig
	muteCases  []models.MuteCase
	muteSeq    int64
	anGuilds   map[models.Snowflake]models.AntinukeGuild
	incidents  []models.AntinukeIncident
	incSeq     int64
	snapshots  []models.AntinukeSnapshot
	snapSeq    int64
	actions    []models.AntinukeAction
	actSeq     int64
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		guilds:     make(map[models.Snowflake]models.Guild),
		resources:  make(map[resourceKey]models.ResourceEntry),
		caps:       make(map[capKey]models.RoleCapability),
		warnCfg:    make(map[models.Snowflake]models.WarnConfig),
		warnPoints: make(map[pairKey]models.WarnPoints),
		muteCfg:    make(map[models.Snowflake]models.MuteConfig),
		anGuilds:   make(map[models.Snowflake]models.AntinukeGuild),
	}
}

func (s *MemStore) appendAuditLocked(evt *models.AuditEvent) {
	if evt == nil {
		return
	}
	s.auditSeq++
	evt.ID = s.auditSeq
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	if evt.Payload == nil {
		evt.Payload = models.JSONB{}
	}
	s.audit = append(s.audit, *evt)
}

func (s *MemStore) UpsertGuild(ctx context.Context, g *models.Guild, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if g.CreatedAt.IsZero() {
		if prev, ok := s.guilds[g.GuildID]; ok {
			g.CreatedAt = prev.CreatedAt
		} else {
			g.CreatedAt = time.Now()
		}
	}
	g.AdminRoleIDs = g.AdminRoleIDs.Dedupe()
	g.ModeratorRoleIDs = g.ModeratorRoleIDs.Dedupe()
	s.guilds[g.GuildID] = *g
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) GetGuild(ctx context.Context, guild models.Snowflake) (*models.Guild, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	g, ok := s.guilds[guild]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (s *MemStore) PutResource(ctx context.Context, entry *models.ResourceEntry, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	k := resourceKey{entry.GuildID, entry.Key}
	if prev, ok := s.resources[k]; ok && prev.Kind != entry.Kind {
		return ErrKindMismatch
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	if entry.Meta == nil {
		entry.Meta = models.JSONB{}
	}
	s.resources[k] = *entry
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) GetResource(ctx context.Context, guild models.Snowflake, key string) (*models.ResourceEntry, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	e, ok := s.resources[resourceKey{guild, key}]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemStore) DeleteResource(ctx context.Context, guild models.Snowflake, key string, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	k := resourceKey{guild, key}
	if _, ok := s.resources[k]; !ok {
		return ErrNotFound
	}
	delete(s.resources, k)
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) ListResources(ctx context.Context, guild models.Snowflake) ([]models.ResourceEntry, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []models.ResourceEntry
	for k, e := range s.resources {
		if k.guild == guild {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemStore) GrantCapability(ctx context.Context, grant *models.RoleCapability, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	k := capKey{grant.GuildID, grant.RoleID, grant.Capability}
	if prev, ok := s.caps[k]; ok {
		// re-granting keeps the original timestamp
		grant.GrantedAt = prev.GrantedAt
		return nil
	}
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now()
	}
	s.caps[k] = *grant
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) RevokeCapability(ctx context.Context, guild, role models.Snowflake, capability string, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	k := capKey{guild, role, capability}
	if _, ok := s.caps[k]; !ok {
		return ErrNotFound
	}
	delete(s.caps, k)
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) AnyRoleHasCapability(ctx context.Context, guild models.Snowflake, roles models.SnowflakeSet, capability string) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, r := range roles {
		if _, ok := s.caps[capKey{guild, r, capability}]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) AppendAudit(ctx context.Context, evt *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.appendAuditLocked(evt)
	return nil
}

func (s *MemStore) ListAudit(ctx context.Context, guild models.Snowflake, limit int, beforeID int64) ([]models.AuditEvent, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []models.AuditEvent
	for i := len(s.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := s.audit[i]
		if e.GuildID != guild {
			continue
		}
		if beforeID > 0 && e.ID >= beforeID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemStore) GetWarnConfig(ctx context.Context, guild models.Snowflake) (*models.WarnConfig, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	c, ok := s.warnCfg[guild]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemStore) PutWarnConfig(ctx context.Context, guild models.Snowflake, cfg models.WarnConfig, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.warnCfg[guild] = cfg
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) earliestWarnCaseLocked(guild, user models.Snowflake) *time.Time {
	var earliest *time.Time
	for i := range s.warnCases {
		wc := &s.warnCases[i]
		if wc.GuildID != guild || wc.UserID != user || wc.Deleted() {
			continue
		}
		if earliest == nil || wc.CreatedAt.Before(*earliest) {
			t := wc.CreatedAt
			earliest = &t
		}
	}
	return earliest
}

func (s *MemStore) updatePointsLocked(guild, user models.Snowflake, update PointsFunc) models.WarnPoints {
	k := pairKey{guild, user}
	cur, ok := s.warnPoints[k]
	if !ok {
		cur = models.WarnPoints{GuildID: guild, UserID: user}
	}
	next := update(cur, s.earliestWarnCaseLocked(guild, user))
	next.GuildID = guild
	next.UserID = user
	if next.Total < 0 {
		next.Total = 0
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now()
	}
	s.warnPoints[k] = next
	return next
}

func (s *MemStore) CreateWarnCase(ctx context.Context, wc *models.WarnCase, update PointsFunc, audit *models.AuditEvent) (models.WarnPoints, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.warnSeq++
	wc.ID = s.warnSeq
	if wc.CreatedAt.IsZero() {
		wc.CreatedAt = time.Now()
	}
	s.warnCases = append(s.warnCases, *wc)
	pts := s.updatePointsLocked(wc.GuildID, wc.UserID, update)
	s.appendAuditLocked(audit)
	return pts, nil
}

func (s *MemStore) SoftDeleteWarnCase(ctx context.Context, guild models.Snowflake, caseID int64, by models.Snowflake, reason string, update PointsFunc, audit *models.AuditEvent) (*models.WarnCase, models.WarnPoints, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for i := range s.warnCases {
		wc := &s.warnCases[i]
		if wc.ID != caseID || wc.GuildID != guild || wc.Deleted() {
			continue
		}
		now := time.Now()
		wc.DeletedAt = &now
		wc.DeletedBy = &by
		wc.DeleteReason = &reason
		removed := wc.Points
		pts := s.updatePointsLocked(guild, wc.UserID, func(cur models.WarnPoints, earliest *time.Time) models.WarnPoints {
			next := update(cur, earliest)
			next.Total -= removed
			return next
		})
		s.appendAuditLocked(audit)
		out := *wc
		return &out, pts, nil
	}
	return nil, models.WarnPoints{}, ErrNotFound
}

func (s *MemStore) UpdateWarnPoints(ctx context.Context, guild, user models.Snowflake, update PointsFunc) (models.WarnPoints, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.updatePointsLocked(guild, user, update), nil
}

func (s *MemStore) ListWarnCases(ctx context.Context, guild, user models.Snowflake, limit int, beforeID int64) ([]models.WarnCase, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []models.WarnCase
	for i := len(s.warnCases) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		wc := s.warnCases[i]
		if wc.GuildID != guild || wc.UserID != user || wc.Deleted() {
			continue
		}
		if beforeID > 0 && wc.ID >= beforeID {
			continue
		}
		out = append(out, wc)
	}
	return out, nil
}

func (s *MemStore) GetMuteConfig(ctx context.Context, guild models.Snowflake) (*models.MuteConfig, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	c, ok := s.muteCfg[guild]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemStore) PutMuteConfig(ctx context.Context, guild models.Snowflake, cfg models.MuteConfig, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.muteCfg[guild] = cfg
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) activeMuteLocked(guild, user models.Snowflake) *models.MuteCase {
	for i := len(s.muteCases) - 1; i >= 0; i-- {
		mc := &s.muteCases[i]
		if mc.GuildID == guild && mc.UserID == user && mc.Active() {
			return mc
		}
	}
	return nil
}

func (s *MemStore) CreateMuteCase(ctx context.Context, mc *models.MuteCase, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.activeMuteLocked(mc.GuildID, mc.UserID) != nil {
		return ErrConflict
	}
	s.muteSeq++
	mc.ID = s.muteSeq
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = time.Now()
	}
	s.muteCases = append(s.muteCases, *mc)
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) GetActiveMute(ctx context.Context, guild, user models.Snowflake) (*models.MuteCase, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	mc := s.activeMuteLocked(guild, user)
	if mc == nil {
		return nil, ErrNotFound
	}
	out := *mc
	return &out, nil
}

func (s *MemStore) ExtendActiveMute(ctx context.Context, guild, user models.Snowflake, until *time.Time, audit *models.AuditEvent) (*models.MuteCase, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	mc := s.activeMuteLocked(guild, user)
	if mc == nil {
		return nil, ErrNotFound
	}
	mc.Until = until
	s.appendAuditLocked(audit)
	out := *mc
	return &out, nil
}

func (s *MemStore) liftLocked(mc *models.MuteCase, stamp LiftStamp) {
	at := stamp.At
	if at.IsZero() {
		at = time.Now()
	}
	mc.UnmutedAt = &at
	mc.UnmutedBy = stamp.By
	reason := stamp.Reason
	mc.UnmuteReason = &reason
}

func (s *MemStore) LiftActiveMute(ctx context.Context, guild, user models.Snowflake, stamp LiftStamp, audit *models.AuditEvent) (*models.MuteCase, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	mc := s.activeMuteLocked(guild, user)
	if mc == nil {
		return nil, ErrNotFound
	}
	s.liftLocked(mc, stamp)
	s.appendAuditLocked(audit)
	out := *mc
	return &out, nil
}

func (s *MemStore) SweepExpiredMutes(ctx context.Context, now time.Time, stamp LiftStamp) ([]models.MuteCase, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []models.MuteCase
	for i := range s.muteCases {
		mc := &s.muteCases[i]
		if !mc.ExpiredAt(now) {
			continue
		}
		s.liftLocked(mc, stamp)
		out = append(out, *mc)
	}
	return out, nil
}

func (s *MemStore) ListMuteCases(ctx context.Context, guild, user models.Snowflake, limit int) ([]models.MuteCase, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []models.MuteCase
	for i := len(s.muteCases) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		mc := s.muteCases[i]
		if mc.GuildID == guild && mc.UserID == user {
			out = append(out, mc)
		}
	}
	return out, nil
}

func (s *MemStore) EnrollAntinuke(ctx context.Context, guild models.Snowflake, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.anGuilds[guild]; ok {
		return nil
	}
	s.anGuilds[guild] = models.AntinukeGuild{GuildID: guild, CreatedAt: time.Now()}
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) UnenrollAntinuke(ctx context.Context, guild models.Snowflake, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.anGuilds[guild]; !ok {
		return ErrNotFound
	}
	delete(s.anGuilds, guild)
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) AntinukeEnrolled(ctx context.Context, guild models.Snowflake) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	_, ok := s.anGuilds[guild]
	return ok, nil
}

func (s *MemStore) lastActivityLocked(incidentID int64) (time.Time, bool) {
	var last time.Time
	found := false
	for i := range s.incidents {
		if s.incidents[i].ID == incidentID {
			last = s.incidents[i].CreatedAt
			found = true
		}
	}
	if !found {
		return time.Time{}, false
	}
	for i := range s.actions {
		a := &s.actions[i]
		if a.IncidentID == incidentID && a.CreatedAt.After(last) {
			last = a.CreatedAt
		}
	}
	return last, true
}

func (s *MemStore) closedLocked(incidentID int64) bool {
	for i := range s.actions {
		if s.actions[i].IncidentID == incidentID && s.actions[i].Kind == models.ActionClose {
			return true
		}
	}
	return false
}

func (s *MemStore) openIncidentLocked(guild models.Snowflake, cooldown time.Duration, now time.Time) *models.AntinukeIncident {
	for i := len(s.incidents) - 1; i >= 0; i-- {
		inc := &s.incidents[i]
		if inc.GuildID != guild {
			continue
		}
		if s.closedLocked(inc.ID) {
			return nil
		}
		last, _ := s.lastActivityLocked(inc.ID)
		if cooldown > 0 && now.Sub(last) > cooldown {
			return nil
		}
		return inc
	}
	return nil
}

func (s *MemStore) OpenOrGetIncident(ctx context.Context, guild models.Snowflake, reason string, cooldown time.Duration, now time.Time, audit *models.AuditEvent) (*models.AntinukeIncident, bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if inc := s.openIncidentLocked(guild, cooldown, now); inc != nil {
		out := *inc
		return &out, false, nil
	}
	s.incSeq++
	inc := models.AntinukeIncident{ID: s.incSeq, GuildID: guild, Reason: reason, CreatedAt: now}
	s.incidents = append(s.incidents, inc)
	s.appendAuditLocked(audit)
	return &inc, true, nil
}

func (s *MemStore) GetIncident(ctx context.Context, id int64) (*models.AntinukeIncident, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for i := range s.incidents {
		if s.incidents[i].ID == id {
			out := s.incidents[i]
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListIncidents(ctx context.Context, guild models.Snowflake, limit int) ([]models.AntinukeIncident, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []models.AntinukeIncident
	for i := len(s.incidents) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.incidents[i].GuildID == guild {
			out = append(out, s.incidents[i])
		}
	}
	return out, nil
}

func (s *MemStore) AddSnapshot(ctx context.Context, snap *models.AntinukeSnapshot, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if !s.incidentExistsLocked(snap.IncidentID) {
		return ErrNotFound
	}
	s.snapSeq++
	snap.ID = s.snapSeq
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	if snap.Payload == nil {
		snap.Payload = models.JSONB{}
	}
	s.snapshots = append(s.snapshots, *snap)
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) incidentExistsLocked(id int64) bool {
	for i := range s.incidents {
		if s.incidents[i].ID == id {
			return true
		}
	}
	return false
}

func (s *MemStore) LatestSnapshot(ctx context.Context, incidentID int64) (*models.AntinukeSnapshot, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].IncidentID == incidentID {
			out := s.snapshots[i]
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) AddAction(ctx context.Context, act *models.AntinukeAction, audit *models.AuditEvent) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if !s.incidentExistsLocked(act.IncidentID) {
		return ErrNotFound
	}
	s.actSeq++
	act.ID = s.actSeq
	if act.CreatedAt.IsZero() {
		act.CreatedAt = time.Now()
	}
	s.actions = append(s.actions, *act)
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemStore) ListActions(ctx context.Context, incidentID int64) ([]models.AntinukeAction, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []models.AntinukeAction
	for i := range s.actions {
		if s.actions[i].IncidentID == incidentID {
			out = append(out, s.actions[i])
		}
	}
	return out, nil
}

func (s *MemStore) DeleteIncident(ctx context.Context, id int64) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	idx := -1
	for i := range s.incidents {
		if s.incidents[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	s.incidents = append(s.incidents[:idx], s.incidents[idx+1:]...)
	// cascade, mirroring the ON DELETE CASCADE constraints
	snaps := s.snapshots[:0]
	for _, sn := range s.snapshots {
		if sn.IncidentID != id {
			snaps = append(snaps, sn)
		}
	}
	s.snapshots = snaps
	acts := s.actions[:0]
	for _, a := range s.actions {
		if a.IncidentID != id {
			acts = append(acts, a)
		}
	}
	s.actions = acts
	return nil
}
