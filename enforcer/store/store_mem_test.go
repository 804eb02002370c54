package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

func noDecay(cur models.WarnPoints, _ *time.Time) models.WarnPoints {
	return cur
}

func addPoints(n int) PointsFunc {
	return func(cur models.WarnPoints, _ *time.Time) models.WarnPoints {
		cur.Total += n
		return cur
	}
}

func TestMemStoreGuildsAndResources(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.GetGuild(ctx, 100)
	assert.ErrorIs(err, ErrNotFound)

	g := &models.Guild{GuildID: 100, Name: "g", AdminRoleIDs: models.SnowflakeSet{1, 1, 2}}
	assert.NoError(s.UpsertGuild(ctx, g, nil))
	got, err := s.GetGuild(ctx, 100)
	assert.NoError(err)
	assert.Equal(models.SnowflakeSet{1, 2}, got.AdminRoleIDs)

	entry := &models.ResourceEntry{GuildID: 100, Key: "mute-role", Kind: models.ResourceRole, ExternalID: 42}
	assert.NoError(s.PutResource(ctx, entry, nil))

	// kind is immutable per key
	bad := &models.ResourceEntry{GuildID: 100, Key: "mute-role", Kind: models.ResourceChannel, ExternalID: 43}
	assert.ErrorIs(s.PutResource(ctx, bad, nil), ErrKindMismatch)

	// same kind upserts in place
	entry2 := &models.ResourceEntry{GuildID: 100, Key: "mute-role", Kind: models.ResourceRole, ExternalID: 43}
	assert.NoError(s.PutResource(ctx, entry2, nil))
	got2, err := s.GetResource(ctx, 100, "mute-role")
	assert.NoError(err)
	assert.Equal(models.Snowflake(43), got2.ExternalID)

	assert.NoError(s.DeleteResource(ctx, 100, "mute-role", nil))
	assert.ErrorIs(s.DeleteResource(ctx, 100, "mute-role", nil), ErrNotFound)
}

func TestMemStoreCapabilities(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemStore()

	ok, err := s.AnyRoleHasCapability(ctx, 100, models.SnowflakeSet{1, 2}, "warn.issue")
	assert.NoError(err)
	assert.False(ok)

	grant := &models.RoleCapability{GuildID: 100, RoleID: 2, Capability: "warn.issue"}
	assert.NoError(s.GrantCapability(ctx, grant, nil))
	// idempotent
	assert.NoError(s.GrantCapability(ctx, grant, nil))

	ok, err = s.AnyRoleHasCapability(ctx, 100, models.SnowflakeSet{1, 2}, "warn.issue")
	assert.NoError(err)
	assert.True(ok)

	assert.NoError(s.RevokeCapability(ctx, 100, 2, "warn.issue", nil))
	assert.ErrorIs(s.RevokeCapability(ctx, 100, 2, "warn.issue", nil), ErrNotFound)
}

func TestMemStoreWarnCasesAndPoints(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := NewMemStore()

	wc := &models.WarnCase{GuildID: 100, UserID: 600, ModeratorID: 500, Points: 3, Reason: "spam"}
	pts, err := s.CreateWarnCase(ctx, wc, addPoints(3), nil)
	require.NoError(err)
	assert.Equal(3, pts.Total)
	assert.NotZero(wc.ID)

	wc2 := &models.WarnCase{GuildID: 100, UserID: 600, ModeratorID: 500, Points: 2, Reason: "links"}
	pts, err = s.CreateWarnCase(ctx, wc2, addPoints(2), nil)
	require.NoError(err)
	assert.Equal(5, pts.Total)

	cases, err := s.ListWarnCases(ctx, 100, 600, 10, 0)
	require.NoError(err)
	require.Len(cases, 2)
	assert.Equal(wc2.ID, cases[0].ID) // newest first

	// soft delete removes the case's points and hides it from listings
	deleted, pts, err := s.SoftDeleteWarnCase(ctx, 100, wc.ID, 500, "appealed", noDecay, nil)
	require.NoError(err)
	assert.True(deleted.Deleted())
	assert.Equal(2, pts.Total)

	_, _, err = s.SoftDeleteWarnCase(ctx, 100, wc.ID, 500, "again", noDecay, nil)
	assert.ErrorIs(err, ErrNotFound)

	cases, err = s.ListWarnCases(ctx, 100, 600, 10, 0)
	require.NoError(err)
	require.Len(cases, 1)
	assert.Equal(wc2.ID, cases[0].ID)

	// the accumulator never goes negative
	pts, err = s.UpdateWarnPoints(ctx, 100, 600, addPoints(-10))
	require.NoError(err)
	assert.Equal(0, pts.Total)
}

func TestMemStoreMuteLifecycle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()

	until := now.Add(30 * time.Minute)
	mc := &models.MuteCase{GuildID: 100, UserID: 600, ModeratorID: 500, Reason: "flood", Until: &until, Method: models.MuteMethodTimeout}
	require.NoError(s.CreateMuteCase(ctx, mc, nil))

	// one active case per pair
	dup := &models.MuteCase{GuildID: 100, UserID: 600, ModeratorID: 500, Reason: "again", Method: models.MuteMethodTimeout}
	assert.ErrorIs(s.CreateMuteCase(ctx, dup, nil), ErrConflict)

	active, err := s.GetActiveMute(ctx, 100, 600)
	require.NoError(err)
	assert.Equal(mc.ID, active.ID)

	later := now.Add(2 * time.Hour)
	extended, err := s.ExtendActiveMute(ctx, 100, 600, &later, nil)
	require.NoError(err)
	assert.Equal(later, *extended.Until)

	by := models.Snowflake(500)
	lifted, err := s.LiftActiveMute(ctx, 100, 600, LiftStamp{At: now, By: &by, Reason: "appealed"}, nil)
	require.NoError(err)
	assert.False(lifted.Active())
	assert.Equal("appealed", *lifted.UnmuteReason)

	_, err = s.GetActiveMute(ctx, 100, 600)
	assert.ErrorIs(err, ErrNotFound)
	_, err = s.LiftActiveMute(ctx, 100, 600, LiftStamp{At: now, Reason: "again"}, nil)
	assert.ErrorIs(err, ErrNotFound)

	// lift cleared the way for a new case
	again := &models.MuteCase{GuildID: 100, UserID: 600, ModeratorID: 500, Reason: "again", Method: models.MuteMethodTimeout}
	assert.NoError(s.CreateMuteCase(ctx, again, nil))
}

func TestMemStoreSweepIdempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	expired := &models.MuteCase{GuildID: 100, UserID: 600, ModeratorID: 500, Reason: "a", Until: &past, Method: models.MuteMethodRole}
	running := &models.MuteCase{GuildID: 100, UserID: 601, ModeratorID: 500, Reason: "b", Until: &future, Method: models.MuteMethodRole}
	indefinite := &models.MuteCase{GuildID: 100, UserID: 602, ModeratorID: 500, Reason: "c", Method: models.MuteMethodRole}
	require.NoError(s.CreateMuteCase(ctx, expired, nil))
	require.NoError(s.CreateMuteCase(ctx, running, nil))
	require.NoError(s.CreateMuteCase(ctx, indefinite, nil))

	lifted, err := s.SweepExpiredMutes(ctx, now, LiftStamp{At: now, Reason: "expired"})
	require.NoError(err)
	require.Len(lifted, 1)
	assert.Equal(expired.ID, lifted[0].ID)
	assert.Equal("expired", *lifted[0].UnmuteReason)

	// second pass finds nothing to lift
	lifted, err = s.SweepExpiredMutes(ctx, now, LiftStamp{At: now, Reason: "expired"})
	require.NoError(err)
	assert.Empty(lifted)
}

func TestMemStoreIncidentDedupAndCascade(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()
	cooldown := 15 * time.Minute

	inc1, opened, err := s.OpenOrGetIncident(ctx, 100, "burst", cooldown, now, nil)
	require.NoError(err)
	assert.True(opened)

	// an open incident is reused
	inc2, opened, err := s.OpenOrGetIncident(ctx, 100, "another burst", cooldown, now.Add(time.Minute), nil)
	require.NoError(err)
	assert.False(opened)
	assert.Equal(inc1.ID, inc2.ID)

	// actions accumulate in insertion order
	for _, kind := range []string{"quarantine-actor", "disable-webhook", "revoke-role"} {
		require.NoError(s.AddAction(ctx, &models.AntinukeAction{IncidentID: inc1.ID, Kind: kind, CreatedAt: now}, nil))
	}
	actions, err := s.ListActions(ctx, inc1.ID)
	require.NoError(err)
	require.Len(actions, 3)
	assert.Equal("quarantine-actor", actions[0].Kind)
	assert.Equal("disable-webhook", actions[1].Kind)
	assert.Equal("revoke-role", actions[2].Kind)

	// a close action ends the episode; the next burst opens a fresh incident
	require.NoError(s.AddAction(ctx, &models.AntinukeAction{IncidentID: inc1.ID, Kind: models.ActionClose, CreatedAt: now}, nil))
	inc3, opened, err := s.OpenOrGetIncident(ctx, 100, "later burst", cooldown, now.Add(2*time.Minute), nil)
	require.NoError(err)
	assert.True(opened)
	assert.NotEqual(inc1.ID, inc3.ID)

	// cooldown alone also closes: stale incidents are not reused
	inc4, opened, err := s.OpenOrGetIncident(ctx, 200, "burst", cooldown, now, nil)
	require.NoError(err)
	assert.True(opened)
	_, opened, err = s.OpenOrGetIncident(ctx, 200, "old burst", cooldown, now.Add(time.Hour), nil)
	require.NoError(err)
	assert.True(opened)
	_ = inc4

	require.NoError(s.AddSnapshot(ctx, &models.AntinukeSnapshot{IncidentID: inc3.ID, Payload: models.JSONB{"roles": []any{}}}, nil))
	require.NoError(s.DeleteIncident(ctx, inc3.ID))
	_, err = s.LatestSnapshot(ctx, inc3.ID)
	assert.ErrorIs(err, ErrNotFound)
	actions, err = s.ListActions(ctx, inc3.ID)
	require.NoError(err)
	assert.Empty(actions)
}

func TestMemStoreAuditOrdering(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := NewMemStore()

	for i := 0; i < 5; i++ {
		require.NoError(s.AppendAudit(ctx, &models.AuditEvent{GuildID: 100, Event: "warn.issued"}))
	}
	events, err := s.ListAudit(ctx, 100, 3, 0)
	require.NoError(err)
	require.Len(events, 3)
	assert.Equal(int64(5), events[0].ID) // newest first

	events, err = s.ListAudit(ctx, 100, 10, events[2].ID)
	require.NoError(err)
	require.Len(events, 2)
	assert.Equal(int64(2), events[0].ID)
}
