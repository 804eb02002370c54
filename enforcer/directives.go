package enforcer

import (
	"time"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

// DirectiveKind enumerates the platform mutations the engine may request.
// The engine never talks to the platform itself; an Applier executes these.
type DirectiveKind string

const (
	DirectiveGrantRole      DirectiveKind = "grant-role"
	DirectiveRevokeRole     DirectiveKind = "revoke-role"
	DirectiveSetTimeout     DirectiveKind = "set-timeout"
	DirectiveClearTimeout   DirectiveKind = "clear-timeout"
	DirectiveKickUser       DirectiveKind = "kick-user"
	DirectiveBanUser        DirectiveKind = "ban-user"
	DirectiveThrottleActor  DirectiveKind = "throttle-actor"
	DirectiveRestoreRole    DirectiveKind = "restore-role"
	DirectiveRestoreChannel DirectiveKind = "restore-channel"
)

// Directive is one intended platform operation. UserID is the subject where
// one applies; RoleID and Until qualify role and timeout directives; Payload
// carries restore state for rollback directives.
type Directive struct {
	Kind    DirectiveKind
	GuildID models.Snowflake
	UserID  models.Snowflake
	RoleID  *models.Snowflake
	Until   *time.Time
	Reason  string
	Payload models.JSONB
}
