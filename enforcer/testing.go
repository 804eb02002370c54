package enforcer

import (
	"context"
	"log/slog"
	"time"

	"github.com/Stowber/TigrisSecuritySystem/enforcer/burststore"
	"github.com/Stowber/TigrisSecuritySystem/enforcer/store"
	"github.com/Stowber/TigrisSecuritySystem/models"
)

// Fixture identifiers shared by tests across packages.
const (
	TestGuild   models.Snowflake = 100
	TestModRole models.Snowflake = 9000
	TestMod     models.Snowflake = 500
	TestUser    models.Snowflake = 600
)

// TestModerator is an actor holding the standard moderator grants from
// EngineTestFixture.
var TestModerator = Actor{ID: TestMod, Roles: models.SnowflakeSet{TestModRole}}

// EngineTestFixture builds an engine on in-memory stores with one guild and
// one moderator role holding every day-to-day capability. Intentionally
// exported, for use in other packages.
func EngineTestFixture() *Engine {
	cfg := DefaultEngineConfig()
	cfg.BurstThreshold = 3
	cfg.BurstWindow = time.Minute
	eng, err := NewEngine(slog.Default(), store.NewMemStore(), burststore.NewMemBurstStore(), cfg)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	g := models.Guild{
		GuildID:          TestGuild,
		Name:             "fixture",
		AdminRoleIDs:     models.SnowflakeSet{8000},
		ModeratorRoleIDs: models.SnowflakeSet{TestModRole},
	}
	if _, err := eng.SetupGuild(ctx, System, g); err != nil {
		panic(err)
	}
	for _, name := range []string{CapWarnIssue, CapWarnRemove, CapMuteApply, CapMuteLift, CapAntinukeManage, CapRegistryManage} {
		if err := eng.GrantCapability(ctx, TestGuild, System, TestModRole, name); err != nil {
			panic(err)
		}
	}
	return eng
}
