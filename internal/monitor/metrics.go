package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/Vigil/pkg/consts"
)

var (
	// PollCycleDuration tracks how long one full watcher pass over all registrations takes.
	PollCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vigil_poll_cycle_duration_seconds",
		Help:    "Time taken for one status watcher poll cycle",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	// ProbeResults counts raw probe outcomes, partitioned by result.
	ProbeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_probe_results_total",
		Help: "Total number of server probes by raw result",
	}, []string{"result"})
	// ExternalChecks counts HTTP availability fallback decisions.
	ExternalChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_external_checks_total",
		Help: "HTTP availability checks by outcome",
	}, []string{"outcome"})
	// UpgradeRuns counts finished upgrade pipelines, partitioned by outcome.
	UpgradeRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_upgrade_runs_total",
		Help: "Total number of upgrade pipeline runs",
	}, []string{"outcome"})
	// UpgradeDuration tracks wall time of upgrade pipelines.
	UpgradeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vigil_upgrade_duration_seconds",
		Help:    "Time taken for an upgrade pipeline run",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	// PackageFailures counts per-package failures, partitioned by stage.
	PackageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_package_failures_total",
		Help: "Add-on package failures by stage",
	}, []string{"stage"})
	// RconCommands counts command channel sends by outcome.
	RconCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_rcon_commands_total",
		Help: "Command channel sends by outcome",
	}, []string{"outcome"})
	// ServerPlayers reports the online player count per profile.
	ServerPlayers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vigil_server_players",
		Help: "Online players per managed server",
	}, []string{"profile"})
	// StatusTransitions counts probe-driven status changes per profile.
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_status_transitions_total",
		Help: "Status transitions driven by probe results",
	}, []string{"profile", "from", "to"})
	// ServerStatus is 1 for the current lifecycle status of each profile and 0 otherwise.
	ServerStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vigil_server_status",
		Help: "Current lifecycle status per managed server",
	}, []string{"profile", "status"})
)

var registerOnce sync.Once

// InitMetrics registers all Vigil collectors with the default registry.
// It is safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PollCycleDuration,
			ProbeResults,
			ExternalChecks,
			UpgradeRuns,
			UpgradeDuration,
			PackageFailures,
			RconCommands,
			ServerPlayers,
			StatusTransitions,
			ServerStatus,
		)
	})
}

// Handler returns the HTTP handler exposing registered metrics.
func Handler() http.Handler {
	InitMetrics()
	return promhttp.Handler()
}

// SetServerStatus marks status as the only active status of profile.
func SetServerStatus(profile string, status consts.ServerStatus) {
	for _, s := range consts.AllStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		ServerStatus.WithLabelValues(profile, string(s)).Set(v)
	}
}

// Personal.AI order the ending
