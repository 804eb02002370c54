package burststore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal  = "total"
	PeriodHour   = "hour"
	PeriodMinute = "minute"
)

// BurstStore counts destructive platform actions in coarse time buckets. It
// backs the antinuke burst detector: the sliding-window limiter decides, the
// counters survive process restarts (redis) and feed the review surfaces.
//
// name is the action kind ("channel_delete", "ban", ...), val the
// guild/actor scope string. Distinct counts track how many different actors
// touched a guild within a period, which separates one rogue moderator from a
// coordinated raid.
type BurstStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	Increment(ctx context.Context, name, val string) error
	GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error)
	IncrementDistinct(ctx context.Context, name, bucket, val string) error
}

func periodBucket(name, val, period string) string {
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodHour:
		t := time.Now().UTC().Format(time.RFC3339)[0:13]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodMinute:
		t := time.Now().UTC().Format(time.RFC3339)[0:16]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}
