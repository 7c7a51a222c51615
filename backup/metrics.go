package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var importJobsSpawned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "backup_import_jobs_spawned_total",
	Help: "The total number of backup import jobs spawned",
})

var importJobsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "backup_import_jobs_failed_total",
	Help: "The total number of backup import jobs that ended in failure",
})

var refsImported = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backup_refs_imported_total",
	Help: "The total number of backup references resolved and applied",
}, []string{"kind"})

var refsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backup_refs_skipped_total",
	Help: "The total number of backup references skipped because they were not locally known",
}, []string{"kind"})
