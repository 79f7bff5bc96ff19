package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robmcdonald5/vec2art-sub009/internal/cache"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/orchestrator"
)

type staticSource orchestrator.Metrics

func (s staticSource) GetMetrics() orchestrator.Metrics { return orchestrator.Metrics(s) }

func TestCollectorExposesSnapshot(t *testing.T) {
	src := staticSource{
		QueueDepth:    3,
		Running:       1,
		CacheEntries:  2,
		CacheBytes:    4096,
		CacheHitRatio: 0.25,
		Cache:         cache.Stats{Hits: 1, Misses: 3},
		Jobs:          orchestrator.JobCounters{Submitted: 4, Completed: 2, Failed: 1},
		Engines: []engine.Info{
			{Name: "engine-0", State: engine.StateBusy, Pending: 1, Requests: 5, Crashes: 1},
		},
	}
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(src)))

	expected := `
# HELP vec2art_queue_depth Jobs waiting for an engine.
# TYPE vec2art_queue_depth gauge
vec2art_queue_depth 3
# HELP vec2art_engine_state 1 for the current state of each engine handle.
# TYPE vec2art_engine_state gauge
vec2art_engine_state{handle="engine-0",state="busy"} 1
vec2art_engine_state{handle="engine-0",state="faulted"} 0
vec2art_engine_state{handle="engine-0",state="initializing"} 0
vec2art_engine_state{handle="engine-0",state="ready"} 0
vec2art_engine_state{handle="engine-0",state="uninitialized"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"vec2art_queue_depth", "vec2art_engine_state"))

	n, err := testutil.GatherAndCount(reg, "vec2art_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}
