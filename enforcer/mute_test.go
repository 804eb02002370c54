package enforcer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

func TestParseMuteDuration(t *testing.T) {
	assert := assert.New(t)

	for _, tc := range []struct {
		in      string
		want    time.Duration
		bounded bool
	}{
		{"30s", 30 * time.Second, true},
		{"15m", 15 * time.Minute, true},
		{"2h", 2 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"45", 45 * time.Minute, true}, // bare number is minutes
		{"", 0, false},
		{"0", 0, false},
		{"0m", 0, false},
	} {
		d, bounded, err := ParseMuteDuration(tc.in)
		assert.NoError(err, tc.in)
		assert.Equal(tc.want, d, tc.in)
		assert.Equal(tc.bounded, bounded, tc.in)
	}

	var ve *ValidationError
	for _, in := range []string{"soon", "-5m", "1w", "2h30m"} {
		_, _, err := ParseMuteDuration(in)
		assert.ErrorAs(err, &ve, in)
	}
}

func TestApplyMuteExclusivity(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	dur := 30 * time.Minute
	mc, directives, err := eng.ApplyMute(ctx, TestGuild, TestModerator, TestUser, "flood", nil, &dur, models.MuteMethodTimeout)
	require.NoError(err)
	require.Len(directives, 1)
	assert.Equal(DirectiveSetTimeout, directives[0].Kind)
	assert.NotNil(mc.Until)

	// second mute for the same pair conflicts
	_, _, err = eng.ApplyMute(ctx, TestGuild, TestModerator, TestUser, "again", nil, &dur, models.MuteMethodTimeout)
	assert.ErrorIs(err, ErrConflict)

	// lift, then a fresh mute is allowed
	lifted, directives, err := eng.LiftMute(ctx, TestGuild, TestModerator, TestUser, "appealed")
	require.NoError(err)
	assert.False(lifted.Active())
	require.Len(directives, 1)
	assert.Equal(DirectiveClearTimeout, directives[0].Kind)

	_, _, err = eng.ApplyMute(ctx, TestGuild, TestModerator, TestUser, "again", nil, nil, models.MuteMethodTimeout)
	require.NoError(err)
}

func TestApplyMuteRoleMethodUsesRegistry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	// without a registered mute role the role method cannot proceed
	_, _, err := eng.ApplyMute(ctx, TestGuild, TestModerator, TestUser, "flood", nil, nil, models.MuteMethodRole)
	assert.ErrorIs(err, ErrNotFound)

	_, err = eng.Register(ctx, TestGuild, TestModerator, ResourceKeyMuteRole, models.ResourceRole, 4242, nil)
	require.NoError(err)

	mc, directives, err := eng.ApplyMute(ctx, TestGuild, TestModerator, TestUser, "flood", nil, nil, models.MuteMethodRole)
	require.NoError(err)
	require.NotNil(mc.RoleID)
	assert.Equal(models.Snowflake(4242), *mc.RoleID)
	assert.Nil(mc.Until) // indefinite
	require.Len(directives, 1)
	assert.Equal(DirectiveGrantRole, directives[0].Kind)
	assert.Equal(models.Snowflake(4242), *directives[0].RoleID)

	// lifting a role mute revokes the same role
	_, directives, err = eng.LiftMute(ctx, TestGuild, TestModerator, TestUser, "done")
	require.NoError(err)
	require.Len(directives, 1)
	assert.Equal(DirectiveRevokeRole, directives[0].Kind)
	assert.Equal(models.Snowflake(4242), *directives[0].RoleID)
}

func TestExtendMute(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	dur := 10 * time.Minute
	mc, _, err := eng.ApplyMute(ctx, TestGuild, TestModerator, TestUser, "flood", nil, &dur, models.MuteMethodTimeout)
	require.NoError(err)

	later := mc.CreatedAt.Add(2 * time.Hour)
	extended, err := eng.ExtendMute(ctx, TestGuild, TestModerator, TestUser, &later)
	require.NoError(err)
	assert.Equal(mc.ID, extended.ID)
	assert.Equal(later, *extended.Until)

	// extending to indefinite clears the expiry
	extended, err = eng.ExtendMute(ctx, TestGuild, TestModerator, TestUser, nil)
	require.NoError(err)
	assert.Nil(extended.Until)

	_, err = eng.ExtendMute(ctx, TestGuild, TestModerator, 999, &later)
	assert.ErrorIs(err, ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return t0 }

	short := 5 * time.Minute
	long := 2 * time.Hour
	_, _, err := eng.ApplyMute(ctx, TestGuild, TestModerator, TestUser, "a", nil, &short, models.MuteMethodTimeout)
	require.NoError(err)
	_, _, err = eng.ApplyMute(ctx, TestGuild, TestModerator, 601, "b", nil, &long, models.MuteMethodTimeout)
	require.NoError(err)
	_, _, err = eng.ApplyMute(ctx, TestGuild, TestModerator, 602, "c", nil, nil, models.MuteMethodTimeout)
	require.NoError(err)

	lifted, directives, err := eng.SweepExpired(ctx, t0.Add(10*time.Minute))
	require.NoError(err)
	require.Len(lifted, 1)
	assert.Equal(TestUser, lifted[0].UserID)
	assert.Equal("expired", *lifted[0].UnmuteReason)
	assert.Nil(lifted[0].UnmutedBy)
	require.Len(directives, 1)
	assert.Equal(DirectiveClearTimeout, directives[0].Kind)

	// a second sweep at the same instant lifts nothing
	lifted, directives, err = eng.SweepExpired(ctx, t0.Add(10*time.Minute))
	require.NoError(err)
	assert.Empty(lifted)
	assert.Empty(directives)

	// the bounded mute with time remaining and the indefinite one are intact
	_, err = eng.ActiveMute(ctx, TestGuild, 601)
	assert.NoError(err)
	_, err = eng.ActiveMute(ctx, TestGuild, 602)
	assert.NoError(err)

	// the expired user can be muted again afterwards
	_, _, err = eng.ApplyMute(ctx, TestGuild, TestModerator, TestUser, "again", nil, &short, models.MuteMethodTimeout)
	require.NoError(err)
}

func TestMuteAuthorization(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	bystander := Actor{ID: 777, Roles: models.SnowflakeSet{1234}}
	_, _, err := eng.ApplyMute(ctx, TestGuild, bystander, TestUser, "x", nil, nil, models.MuteMethodTimeout)
	assert.ErrorIs(err, ErrAuthorizationDenied)
	_, _, err = eng.LiftMute(ctx, TestGuild, bystander, TestUser, "x")
	assert.ErrorIs(err, ErrAuthorizationDenied)
	_, err = eng.ExtendMute(ctx, TestGuild, bystander, TestUser, nil)
	assert.ErrorIs(err, ErrAuthorizationDenied)
}
