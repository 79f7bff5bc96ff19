// Package metrics exposes orchestrator state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/orchestrator"
)

const namespace = "vec2art"

// Source is satisfied by *orchestrator.Orchestrator.
type Source interface {
	GetMetrics() orchestrator.Metrics
}

var engineStates = []engine.State{
	engine.StateUninitialized,
	engine.StateInitializing,
	engine.StateReady,
	engine.StateBusy,
	engine.StateFaulted,
}

// Collector reads one orchestrator snapshot per scrape.
type Collector struct {
	src Source

	queueDepth    *prometheus.Desc
	running       *prometheus.Desc
	cacheEntries  *prometheus.Desc
	cacheBytes    *prometheus.Desc
	cacheHitRatio *prometheus.Desc
	cacheLookups  *prometheus.Desc
	cacheDropped  *prometheus.Desc
	jobs          *prometheus.Desc
	engineState   *prometheus.Desc
	engineEvents  *prometheus.Desc
	enginePending *prometheus.Desc
}

func NewCollector(src Source) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		src:           src,
		queueDepth:    desc("queue", "depth", "Jobs waiting for an engine."),
		running:       desc("queue", "running", "Jobs dispatched to an engine."),
		cacheEntries:  desc("cache", "entries", "Results held in the cache."),
		cacheBytes:    desc("cache", "bytes", "Approximate bytes held by cached results."),
		cacheHitRatio: desc("cache", "hit_ratio", "Cache hits over lookups since start."),
		cacheLookups:  desc("cache", "lookups_total", "Cache lookups by result.", "result"),
		cacheDropped:  desc("cache", "dropped_total", "Entries removed or refused by reason.", "reason"),
		jobs:          desc("jobs", "total", "Jobs by outcome.", "outcome"),
		engineState:   desc("engine", "state", "1 for the current state of each engine handle.", "handle", "state"),
		engineEvents:  desc("engine", "events_total", "Engine requests and failures by kind.", "handle", "kind"),
		enginePending: desc("engine", "pending", "Requests awaiting an engine answer.", "handle"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.running
	ch <- c.cacheEntries
	ch <- c.cacheBytes
	ch <- c.cacheHitRatio
	ch <- c.cacheLookups
	ch <- c.cacheDropped
	ch <- c.jobs
	ch <- c.engineState
	ch <- c.engineEvents
	ch <- c.enginePending
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.src.GetMetrics()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.queueDepth, float64(m.QueueDepth))
	gauge(c.running, float64(m.Running))
	gauge(c.cacheEntries, float64(m.CacheEntries))
	gauge(c.cacheBytes, float64(m.CacheBytes))
	gauge(c.cacheHitRatio, m.CacheHitRatio)
	counter(c.cacheLookups, m.Cache.Hits, "hit")
	counter(c.cacheLookups, m.Cache.Misses, "miss")
	counter(c.cacheDropped, m.Cache.Evictions, "evicted")
	counter(c.cacheDropped, m.Cache.Expirations, "expired")
	counter(c.cacheDropped, m.Cache.Rejected, "too_large")

	counter(c.jobs, m.Jobs.Submitted, "submitted")
	counter(c.jobs, m.Jobs.CacheHits, "cache_hit")
	counter(c.jobs, m.Jobs.Completed, "completed")
	counter(c.jobs, m.Jobs.Failed, "failed")
	counter(c.jobs, m.Jobs.Canceled, "canceled")
	counter(c.jobs, m.Jobs.Rejected, "rejected")

	for _, e := range m.Engines {
		for _, s := range engineStates {
			v := 0.0
			if e.State == s {
				v = 1
			}
			gauge(c.engineState, v, e.Name, string(s))
		}
		counter(c.engineEvents, e.Requests, e.Name, "request")
		counter(c.engineEvents, e.Crashes, e.Name, "crash")
		counter(c.engineEvents, e.Timeouts, e.Name, "timeout")
		counter(c.engineEvents, e.Restarts, e.Name, "restart")
		gauge(c.enginePending, float64(e.Pending), e.Name)
	}
}
