package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "sharekeeper"

const (
	LabelJob    = "job"
	LabelStatus = "status"

	JobSweep   = "sweep"
	JobCollect = "collect"

	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

var CleanupRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name:      "cleanup_runs_total",
		Help:      "Reclamation job runs by job and outcome",
		Namespace: Namespace,
	},
	[]string{LabelJob, LabelStatus},
)

var SharesFlaggedExpired = promauto.NewCounter(
	prometheus.CounterOpts{
		Name:      "shares_flagged_expired_total",
		Help:      "Workspace shares flagged as expired",
		Namespace: Namespace,
	},
)

var SharesDeleted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name:      "anonymous_shares_deleted_total",
		Help:      "Expired anonymous shares deleted",
		Namespace: Namespace,
	},
)

var UsageDecrementFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name:      "usage_decrement_failures_total",
		Help:      "Usage counter decrements that failed during a sweep",
		Namespace: Namespace,
	},
)

var MalformedShares = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name:      "malformed_ownership_shares",
		Help:      "Shares with exactly one of user and organization set, as of the last sweep",
		Namespace: Namespace,
	},
)

var ImagesDeleted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name:      "images_deleted_total",
		Help:      "Preview images deleted by the sweeper or orphan collector",
		Namespace: Namespace,
	},
)

var ImageDeleteFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name:      "image_delete_failures_total",
		Help:      "Preview image deletions that failed",
		Namespace: Namespace,
	},
)
