package enforcer

import (
	"time"

	"github.com/Stowber/TigrisSecuritySystem/enforcer/store"
	"github.com/Stowber/TigrisSecuritySystem/models"
)

// applyDecay removes cfg.DecayPoints for every whole decay interval elapsed
// between anchor and now, clamping at zero. Returns the new total and the
// number of intervals consumed. Pure; the store provides the atomicity.
func applyDecay(cfg models.WarnConfig, total int, anchor, now time.Time) (int, int) {
	interval := cfg.DecayInterval()
	if interval <= 0 || cfg.DecayPoints <= 0 || !now.After(anchor) {
		return total, 0
	}
	intervals := int(now.Sub(anchor) / interval)
	if intervals <= 0 {
		return total, 0
	}
	total -= intervals * cfg.DecayPoints
	if total < 0 {
		total = 0
	}
	return total, intervals
}

// decayThenAdd builds the accumulator transform run inside the store: pending
// decay is applied first, keyed off last_decay_at (or the earliest live case
// when the row has never decayed), then add lands on top.
func decayThenAdd(cfg models.WarnConfig, now time.Time, add int) store.PointsFunc {
	return func(cur models.WarnPoints, earliestCase *time.Time) models.WarnPoints {
		anchor := cur.LastDecayAt
		if anchor == nil {
			anchor = earliestCase
		}
		if anchor != nil {
			total, intervals := applyDecay(cfg, cur.Total, *anchor, now)
			if intervals > 0 {
				cur.Total = total
				advanced := anchor.Add(time.Duration(intervals) * cfg.DecayInterval())
				cur.LastDecayAt = &advanced
			}
		}
		cur.Total += add
		if cur.Total < 0 {
			cur.Total = 0
		}
		cur.UpdatedAt = now
		return cur
	}
}
