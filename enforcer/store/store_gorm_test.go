package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

func TestGormStorePostgres(t *testing.T) {
	t.Skip("live test, need postgres running locally")
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	db, err := gorm.Open(postgres.Open("host=localhost user=postgres password=password dbname=tss_test port=5432"), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	require.NoError(err)
	s := NewGormStore(db)
	require.NoError(s.Migrate(ctx))

	guild := models.Snowflake(time.Now().UnixNano())
	require.NoError(s.UpsertGuild(ctx, &models.Guild{GuildID: guild, Name: "live"}, nil))

	wc := &models.WarnCase{GuildID: guild, UserID: 600, ModeratorID: 500, Points: 3, Reason: "spam"}
	pts, err := s.CreateWarnCase(ctx, wc, addPoints(3), nil)
	require.NoError(err)
	assert.Equal(3, pts.Total)

	until := time.Now().Add(time.Minute)
	mc := &models.MuteCase{GuildID: guild, UserID: 600, ModeratorID: 500, Reason: "flood", Until: &until, Method: models.MuteMethodTimeout}
	require.NoError(s.CreateMuteCase(ctx, mc, nil))
	assert.ErrorIs(s.CreateMuteCase(ctx, &models.MuteCase{GuildID: guild, UserID: 600, ModeratorID: 500, Method: models.MuteMethodTimeout}, nil), ErrConflict)

	lifted, err := s.SweepExpiredMutes(ctx, time.Now().Add(time.Hour), LiftStamp{At: time.Now(), Reason: "expired"})
	require.NoError(err)
	assert.Len(lifted, 1)

	inc, opened, err := s.OpenOrGetIncident(ctx, guild, "burst", 15*time.Minute, time.Now(), nil)
	require.NoError(err)
	assert.True(opened)
	require.NoError(s.DeleteIncident(ctx, inc.ID))
}
