package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/blurd/internal/command"
	"github.com/dreamware/blurd/internal/shard"
)

// PoolCollector reports the dispatcher worker pool.
type PoolCollector struct {
	stats func() command.PoolStats

	workers *prometheus.Desc
	queued  *prometheus.Desc
	active  *prometheus.Desc
	skipped *prometheus.Desc
}

func NewPoolCollector(stats func() command.PoolStats) *PoolCollector {
	return &PoolCollector{
		stats: stats,
		workers: prometheus.NewDesc(
			"blurd_pool_workers",
			"Configured number of dispatcher workers",
			nil, nil,
		),
		queued: prometheus.NewDesc(
			"blurd_pool_queued_tasks",
			"Tasks waiting for a worker",
			nil, nil,
		),
		active: prometheus.NewDesc(
			"blurd_pool_active_tasks",
			"Tasks currently executing",
			nil, nil,
		),
		skipped: prometheus.NewDesc(
			"blurd_pool_skipped_tasks_total",
			"Cancelled tasks dropped from the queue without running",
			nil, nil,
		),
	}
}

func (pc *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.workers
	ch <- pc.queued
	ch <- pc.active
	ch <- pc.skipped
}

func (pc *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := pc.stats()
	ch <- prometheus.MustNewConstMetric(pc.workers, prometheus.GaugeValue, float64(s.Workers))
	ch <- prometheus.MustNewConstMetric(pc.queued, prometheus.GaugeValue, float64(s.Queued))
	ch <- prometheus.MustNewConstMetric(pc.active, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(pc.skipped, prometheus.CounterValue, float64(s.Skipped))
}

// ShardCollector reports document and byte counts of every hosted shard.
type ShardCollector struct {
	infos func() []shard.Info

	docs  *prometheus.Desc
	bytes *prometheus.Desc
}

func NewShardCollector(infos func() []shard.Info) *ShardCollector {
	return &ShardCollector{
		infos: infos,
		docs: prometheus.NewDesc(
			"blurd_shard_documents",
			"Live documents in a hosted shard",
			[]string{"table", "shard"}, nil,
		),
		bytes: prometheus.NewDesc(
			"blurd_shard_bytes",
			"Stored field bytes in a hosted shard",
			[]string{"table", "shard"}, nil,
		),
	}
}

func (sc *ShardCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.docs
	ch <- sc.bytes
}

func (sc *ShardCollector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range sc.infos() {
		ch <- prometheus.MustNewConstMetric(sc.docs, prometheus.GaugeValue, float64(info.Docs), info.Table, info.Name)
		ch <- prometheus.MustNewConstMetric(sc.bytes, prometheus.GaugeValue, float64(info.Bytes), info.Table, info.Name)
	}
}
