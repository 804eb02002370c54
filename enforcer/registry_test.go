package enforcer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

func TestRegistryRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	_, _, err := eng.Resolve(ctx, TestGuild, ResourceKeyMuteRole)
	assert.ErrorIs(err, ErrNotFound)

	entry, err := eng.Register(ctx, TestGuild, TestModerator, ResourceKeyMuteRole, models.ResourceRole, 4242, models.JSONB{"color": "red"})
	require.NoError(err)
	assert.Equal(models.Snowflake(4242), entry.ExternalID)

	id, kind, err := eng.Resolve(ctx, TestGuild, ResourceKeyMuteRole)
	require.NoError(err)
	assert.Equal(models.Snowflake(4242), id)
	assert.Equal(models.ResourceRole, kind)

	// re-registering the same key with the same kind moves the handle
	_, err = eng.Register(ctx, TestGuild, TestModerator, ResourceKeyMuteRole, models.ResourceRole, 4300, nil)
	require.NoError(err)
	id, _, err = eng.Resolve(ctx, TestGuild, ResourceKeyMuteRole)
	require.NoError(err)
	assert.Equal(models.Snowflake(4300), id)

	// but the kind is pinned for the key's lifetime
	_, err = eng.Register(ctx, TestGuild, TestModerator, ResourceKeyMuteRole, models.ResourceChannel, 4300, nil)
	assert.ErrorIs(err, ErrKindMismatch)

	entries, err := eng.ListResources(ctx, TestGuild)
	require.NoError(err)
	assert.Len(entries, 1)

	require.NoError(eng.Unregister(ctx, TestGuild, TestModerator, ResourceKeyMuteRole))
	assert.ErrorIs(eng.Unregister(ctx, TestGuild, TestModerator, ResourceKeyMuteRole), ErrNotFound)

	// delete-then-recreate is how a key changes kind
	_, err = eng.Register(ctx, TestGuild, TestModerator, ResourceKeyMuteRole, models.ResourceChannel, 4300, nil)
	require.NoError(err)
}

func TestRegisterValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	var ve *ValidationError
	_, err := eng.Register(ctx, TestGuild, TestModerator, "", models.ResourceRole, 4242, nil)
	assert.ErrorAs(err, &ve)
	_, err = eng.Register(ctx, TestGuild, TestModerator, "k", models.ResourceKind("guild"), 4242, nil)
	assert.ErrorAs(err, &ve)
	_, err = eng.Register(ctx, TestGuild, TestModerator, "k", models.ResourceRole, 0, nil)
	assert.ErrorAs(err, &ve)

	bystander := Actor{ID: 777, Roles: models.SnowflakeSet{1234}}
	_, err = eng.Register(ctx, TestGuild, bystander, "k", models.ResourceRole, 4242, nil)
	assert.ErrorIs(err, ErrAuthorizationDenied)
}
