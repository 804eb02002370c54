package enforcer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

func TestApplyDecay(t *testing.T) {
	assert := assert.New(t)
	cfg := models.DefaultWarnConfig() // 30d interval, 3 points

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	total, intervals := applyDecay(cfg, 9, t0, t0.Add(24*time.Hour))
	assert.Equal(9, total)
	assert.Equal(0, intervals)

	total, intervals = applyDecay(cfg, 9, t0, t0.AddDate(0, 0, 61))
	assert.Equal(3, total)
	assert.Equal(2, intervals)

	// decay clamps at zero
	total, _ = applyDecay(cfg, 2, t0, t0.AddDate(0, 0, 400))
	assert.Equal(0, total)

	// a clock that went backwards decays nothing
	total, intervals = applyDecay(cfg, 9, t0, t0.Add(-time.Hour))
	assert.Equal(9, total)
	assert.Equal(0, intervals)
}

func TestIssueWarnAccumulatesAndEscalates(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	out, err := eng.IssueWarn(ctx, TestGuild, TestModerator, TestUser, 2, "spam", nil)
	require.NoError(err)
	assert.Equal(2, out.Points.Total)
	assert.Equal(TierNone, out.Tier)
	assert.Nil(out.Directive)

	// 4 points crosses the timeout threshold (3) but not kick (6)
	out, err = eng.IssueWarn(ctx, TestGuild, TestModerator, TestUser, 2, "more spam", nil)
	require.NoError(err)
	assert.Equal(4, out.Points.Total)
	assert.Equal(TierTimeout, out.Tier)
	require.NotNil(out.Directive)
	assert.Equal(DirectiveSetTimeout, out.Directive.Kind)
	assert.NotNil(out.Directive.Until)

	// 7 points: exactly one tier, the highest reached
	out, err = eng.IssueWarn(ctx, TestGuild, TestModerator, TestUser, 3, "links", nil)
	require.NoError(err)
	assert.Equal(7, out.Points.Total)
	assert.Equal(TierKick, out.Tier)
	assert.Equal(DirectiveKickUser, out.Directive.Kind)

	out, err = eng.IssueWarn(ctx, TestGuild, TestModerator, TestUser, 5, "raid", nil)
	require.NoError(err)
	assert.Equal(12, out.Points.Total)
	assert.Equal(TierBan, out.Tier)
	assert.Equal(DirectiveBanUser, out.Directive.Kind)

	cases, err := eng.ListCases(ctx, TestGuild, TestUser, 10, 0)
	require.NoError(err)
	assert.Len(cases, 4)
}

func TestIssueWarnValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	var ve *ValidationError
	_, err := eng.IssueWarn(ctx, TestGuild, TestModerator, TestUser, 0, "x", nil)
	assert.ErrorAs(err, &ve)
	_, err = eng.IssueWarn(ctx, TestGuild, TestModerator, TestUser, -3, "x", nil)
	assert.ErrorAs(err, &ve)
	_, err = eng.IssueWarn(ctx, TestGuild, TestModerator, 0, 1, "x", nil)
	assert.ErrorAs(err, &ve)
}

func TestIssueWarnAuthorization(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	bystander := Actor{ID: 777, Roles: models.SnowflakeSet{1234}}
	_, err := eng.IssueWarn(ctx, TestGuild, bystander, TestUser, 1, "x", nil)
	assert.ErrorIs(err, ErrAuthorizationDenied)

	// guild admin roles pass without an explicit grant
	admin := Actor{ID: 778, Roles: models.SnowflakeSet{8000}}
	_, err = eng.IssueWarn(ctx, TestGuild, admin, TestUser, 1, "x", nil)
	require.NoError(err)

	// the system actor bypasses everything
	_, err = eng.IssueWarn(ctx, TestGuild, System, TestUser, 1, "x", nil)
	assert.NoError(err)
}

func TestWarnPointsDecayLazily(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return t0 }

	out, err := eng.IssueWarn(ctx, TestGuild, TestModerator, TestUser, 9, "raid", nil)
	require.NoError(err)
	assert.Equal(9, out.Points.Total)
	assert.Nil(out.Points.LastDecayAt) // plain adds never advance the anchor

	// 61 days later two whole 30-day intervals have elapsed: 9 - 2*3 = 3
	eng.Now = func() time.Time { return t0.AddDate(0, 0, 61) }
	total, err := eng.GetPoints(ctx, TestGuild, TestUser)
	require.NoError(err)
	assert.Equal(3, total)

	// the anchor advanced by whole intervals only, so the residual day
	// still counts toward the next one
	eng.Now = func() time.Time { return t0.AddDate(0, 0, 90) }
	total, err = eng.GetPoints(ctx, TestGuild, TestUser)
	require.NoError(err)
	assert.Equal(0, total)
}

func TestRemoveWarnRecomputesPoints(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	out1, err := eng.IssueWarn(ctx, TestGuild, TestModerator, TestUser, 3, "spam", nil)
	require.NoError(err)
	_, err = eng.IssueWarn(ctx, TestGuild, TestModerator, TestUser, 2, "links", nil)
	require.NoError(err)

	removed, err := eng.RemoveWarn(ctx, TestGuild, TestModerator, out1.Case.ID, "appealed")
	require.NoError(err)
	assert.True(removed.Deleted())

	total, err := eng.GetPoints(ctx, TestGuild, TestUser)
	require.NoError(err)
	assert.Equal(2, total)

	// removing twice fails, points unchanged
	_, err = eng.RemoveWarn(ctx, TestGuild, TestModerator, out1.Case.ID, "again")
	assert.ErrorIs(err, ErrNotFound)
	total, err = eng.GetPoints(ctx, TestGuild, TestUser)
	require.NoError(err)
	assert.Equal(2, total)
}

func TestWarnConfigMisconfiguredFallsBack(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	// SetWarnConfig refuses obviously broken input up front
	bad := models.WarnConfig{DecayDays: 0, TimeoutPts: 3, KickPts: 6, BanPts: 9}
	var ve *ValidationError
	assert.ErrorAs(eng.SetWarnConfig(ctx, TestGuild, System, bad), &ve)

	// a row written out-of-band with descending thresholds degrades to
	// defaults instead of escalating on the wrong tier
	broken := models.WarnConfig{DecayDays: 30, DecayPoints: 3, TimeoutPts: 9, TimeoutHours: 12, KickPts: 6, BanPts: 3}
	require.NoError(eng.Store.PutWarnConfig(ctx, TestGuild, broken, nil))
	cfg, err := eng.WarnConfigFor(ctx, TestGuild)
	require.NoError(err)
	assert.Equal(models.DefaultWarnConfig(), cfg)
}

func TestSetWarnConfigInvalidatesCache(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	// prime the cache with defaults
	cfg, err := eng.WarnConfigFor(ctx, TestGuild)
	require.NoError(err)
	assert.Equal(models.DefaultWarnConfig(), cfg)

	next := models.DefaultWarnConfig()
	next.TimeoutPts = 4
	require.NoError(eng.SetWarnConfig(ctx, TestGuild, System, next))

	cfg, err = eng.WarnConfigFor(ctx, TestGuild)
	require.NoError(err)
	assert.Equal(4, cfg.TimeoutPts)
}
