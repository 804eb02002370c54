package enforcer

import (
	"context"
	"time"

	"github.com/Stowber/TigrisSecuritySystem/models"
)

func newAudit(guild models.Snowflake, actor *models.Snowflake, event string, payload models.JSONB, at time.Time) *models.AuditEvent {
	if payload == nil {
		payload = models.JSONB{}
	}
	return &models.AuditEvent{
		GuildID:   guild,
		ActorID:   actor,
		Event:     event,
		Payload:   payload,
		CreatedAt: at,
	}
}

// ListAudit returns audit events newest first, paginated by beforeID. Review
// surface only; nothing in the engine reads audit rows to make decisions.
func (eng *Engine) ListAudit(ctx context.Context, guild models.Snowflake, limit int, beforeID int64) ([]models.AuditEvent, error) {
	return eng.Store.ListAudit(ctx, guild, limit, beforeID)
}
