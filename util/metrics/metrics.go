package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitsTotal tracks write handles committed per variable
	CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcu_commits_total",
			Help: "Total number of write handles committed on an RCU variable",
		},
		[]string{"variable"},
	)

	// DiscardsTotal tracks write handles dropped without commit per variable
	DiscardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcu_discards_total",
			Help: "Total number of write handles discarded without commit on an RCU variable",
		},
		[]string{"variable"},
	)

	// AssignsTotal tracks wholesale replacements per variable
	AssignsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcu_assigns_total",
			Help: "Total number of values assigned to an RCU variable without cloning",
		},
		[]string{"variable"},
	)

	// PublishedVersion tracks the sequence number of the currently published version
	PublishedVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcu_published_version",
			Help: "Sequence number of the version currently published by an RCU variable",
		},
		[]string{"variable"},
	)

	// LiveVersions tracks versions not yet destroyed, including working copies
	LiveVersions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcu_live_versions",
			Help: "Number of live payload versions (published, retired and under edit)",
		},
		[]string{"variable"},
	)

	// RetiredVersions tracks superseded versions still held by readers
	RetiredVersions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcu_retired_versions",
			Help: "Number of superseded versions kept alive by outstanding snapshots",
		},
		[]string{"variable"},
	)

	// WriteWaitDuration tracks how long writers wait for the write lock in seconds
	WriteWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rcu_write_wait_seconds",
			Help:    "Time spent waiting for the write lock of an RCU variable in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"variable"},
	)

	// AssignedShardsTotal tracks the total number of shards assigned to each node
	AssignedShardsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcuvar_shards_total",
			Help: "Total number of shards assigned to each node in the published shard mapping",
		},
		[]string{"node"},
	)

	// ShardMappingVersion tracks the version of the published shard mapping
	ShardMappingVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rcuvar_shard_mapping_version",
			Help: "Version of the shard mapping currently published to readers",
		},
	)

	// ConfigReloadsTotal tracks configuration reload attempts by result
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcuvar_config_reloads_total",
			Help: "Total number of configuration reloads by result (changed, unchanged, failed)",
		},
		[]string{"result"},
	)
)

// RecordCommit counts a commit and publishes the new version number
func RecordCommit(variable string, version uint64) {
	CommitsTotal.WithLabelValues(variable).Inc()
	PublishedVersion.WithLabelValues(variable).Set(float64(version))
}

// RecordAssign counts an assignment and publishes the new version number
func RecordAssign(variable string, version uint64) {
	AssignsTotal.WithLabelValues(variable).Inc()
	PublishedVersion.WithLabelValues(variable).Set(float64(version))
}

// RecordDiscard counts a write handle dropped without commit
func RecordDiscard(variable string) {
	DiscardsTotal.WithLabelValues(variable).Inc()
}

// SetVersionCounts sets the live and retired version gauges for a variable
func SetVersionCounts(variable string, live, retired int64) {
	LiveVersions.WithLabelValues(variable).Set(float64(live))
	RetiredVersions.WithLabelValues(variable).Set(float64(retired))
}

// RecordWriteWait records the time a writer waited for the write lock
func RecordWriteWait(variable string, durationSeconds float64) {
	WriteWaitDuration.WithLabelValues(variable).Observe(durationSeconds)
}

// ForgetVariable removes every series of a closed variable
func ForgetVariable(variable string) {
	CommitsTotal.DeleteLabelValues(variable)
	DiscardsTotal.DeleteLabelValues(variable)
	AssignsTotal.DeleteLabelValues(variable)
	PublishedVersion.DeleteLabelValues(variable)
	LiveVersions.DeleteLabelValues(variable)
	RetiredVersions.DeleteLabelValues(variable)
	WriteWaitDuration.DeleteLabelValues(variable)
}

// SetAssignedShardCounts replaces the per-node shard gauges with counts
func SetAssignedShardCounts(counts map[string]int) {
	AssignedShardsTotal.Reset()
	for node, count := range counts {
		AssignedShardsTotal.WithLabelValues(node).Set(float64(count))
	}
}

// SetShardMappingVersion sets the version of the published shard mapping
func SetShardMappingVersion(version int64) {
	ShardMappingVersion.Set(float64(version))
}

// RecordConfigReload counts a configuration reload with the given result
func RecordConfigReload(result string) {
	ConfigReloadsTotal.WithLabelValues(result).Inc()
}
