package enforcer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var warnIssuedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "enforcer_warns_issued",
	Help: "Number of warn cases created",
})

var warnRemovedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "enforcer_warns_removed",
	Help: "Number of warn cases soft-deleted",
})

var escalationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enforcer_warn_escalations",
	Help: "Number of threshold escalations reported, by tier",
}, []string{"tier"})

var misconfiguredThresholdCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "enforcer_warn_misconfigured_thresholds",
	Help: "Number of warn-config reads that fell back to defaults",
})

var muteAppliedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enforcer_mutes_applied",
	Help: "Number of mutes applied, by method",
}, []string{"method"})

var muteLiftedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enforcer_mutes_lifted",
	Help: "Number of mutes lifted, by cause",
}, []string{"cause"})

var sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "enforcer_sweep_duration_sec",
	Help: "Duration of mute-expiry sweep passes",
})

var destructiveObservedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enforcer_destructive_actions_observed",
	Help: "Number of destructive platform actions observed, by kind",
}, []string{"kind"})

var incidentOpenedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "enforcer_incidents_opened",
	Help: "Number of antinuke incidents opened",
})

var incidentClosedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "enforcer_incidents_closed",
	Help: "Number of antinuke incidents explicitly closed",
})

var actionRecordedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enforcer_containment_actions",
	Help: "Number of containment actions recorded, by kind",
}, []string{"kind"})

var rollbackCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "enforcer_rollbacks",
	Help: "Number of snapshot rollbacks issued",
})

var ceilingHitCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "enforcer_actor_ceiling_hits",
	Help: "Number of observations dropped at the hard actor rate ceiling",
})

var authzDeniedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enforcer_authz_denied",
	Help: "Number of capability checks denied, by capability",
}, []string{"capability"})
