package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var communitiesProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_ban_communities_processed_total",
	Help: "The total number of per-community ban propagation attempts",
})

var activitiesEmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_ban_activities_emitted_total",
	Help: "The total number of ban/unban activities handed to the emitter",
})

var tolerantFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_tolerant_failures_total",
	Help: "The total number of best-effort mutations whose errors were discarded",
}, []string{"op"})
