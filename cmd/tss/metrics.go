package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var adminIncidentCloses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tss_admin_incident_closes",
	Help: "Number of incidents closed through the admin API",
})

var adminRollbacks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tss_admin_rollbacks",
	Help: "Number of rollbacks issued through the admin API",
})
