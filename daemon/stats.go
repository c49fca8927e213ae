/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"sync"
	"sync/atomic"

	"github.com/eclesh/welford"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsServer is a stats server interface
type StatsServer interface {
	SetState(state State)
	IncSyncs()
	IncSyncErrors()
	IncInitialSyncRetries()
	ObserveSample(measured, delay, smoothed, driftPPM, q float64)
	SetCounter(key string, val int64)
}

// Summary is a point-in-time view of collected stats
type Summary struct {
	Syncs              int64
	SyncErrors         int64
	InitialSyncRetries int64
	Samples            int64
	OffsetMean         float64
	OffsetStddev       float64
	DelayMean          float64
	DelayStddev        float64
	LastSmoothed       float64
	LastDriftPPM       float64
	LastQ              float64
}

// Stats implements StatsServer. Counters are exported as JSON over the
// monitoring port and as prometheus gauges on /metrics.
type Stats struct {
	// keep these aligned to 64-bit for sync/atomic
	state              int64
	syncs              int64
	syncErrors         int64
	initialSyncRetries int64

	mu           sync.Mutex
	offset       *welford.Stats
	delay        *welford.Stats
	samples      int64
	lastMeasured float64
	lastDelay    float64
	lastSmoothed float64
	lastDriftPPM float64
	lastQ        float64
	counters     map[string]int64

	registry     *prometheus.Registry
	promMeasured prometheus.Gauge
	promSmoothed prometheus.Gauge
	promDelay    prometheus.Gauge
	promDrift    prometheus.Gauge
	promQ        prometheus.Gauge
	promState    prometheus.Gauge
	promSyncs    prometheus.Counter
	promErrors   prometheus.Counter
}

// NewStats creates a new instance of Stats
func NewStats() *Stats {
	s := &Stats{
		offset:   welford.New(),
		delay:    welford.New(),
		counters: map[string]int64{},
		registry: prometheus.NewRegistry(),
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		s.registry.MustRegister(g)
		return g
	}
	s.promMeasured = gauge("khronos_measured_offset_seconds", "last measured offset")
	s.promSmoothed = gauge("khronos_smoothed_offset_seconds", "last smoothed offset")
	s.promDelay = gauge("khronos_delay_seconds", "last round trip delay")
	s.promDrift = gauge("khronos_drift_ppm", "estimated clock drift")
	s.promQ = gauge("khronos_process_noise_q", "filter process noise intensity")
	s.promState = gauge("khronos_state", "daemon state")
	s.promSyncs = prometheus.NewCounter(prometheus.CounterOpts{Name: "khronos_syncs_total", Help: "successful syncs"})
	s.promErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "khronos_sync_errors_total", Help: "failed syncs"})
	s.registry.MustRegister(s.promSyncs, s.promErrors)
	return s
}

// SetState atomically sets the daemon state
func (s *Stats) SetState(state State) {
	atomic.StoreInt64(&s.state, int64(state))
	s.promState.Set(float64(state))
}

// IncSyncs atomically adds 1 to the successful sync counter
func (s *Stats) IncSyncs() {
	atomic.AddInt64(&s.syncs, 1)
	s.promSyncs.Inc()
}

// IncSyncErrors atomically adds 1 to the failed sync counter
func (s *Stats) IncSyncErrors() {
	atomic.AddInt64(&s.syncErrors, 1)
	s.promErrors.Inc()
}

// IncInitialSyncRetries atomically adds 1 to the initial sync retry counter
func (s *Stats) IncInitialSyncRetries() {
	atomic.AddInt64(&s.initialSyncRetries, 1)
}

// ObserveSample records one processed measurement. All values are in
// seconds except driftPPM and q.
func (s *Stats) ObserveSample(measured, delay, smoothed, driftPPM, q float64) {
	s.mu.Lock()
	s.offset.Add(measured)
	s.delay.Add(delay)
	s.samples++
	s.lastMeasured = measured
	s.lastDelay = delay
	s.lastSmoothed = smoothed
	s.lastDriftPPM = driftPPM
	s.lastQ = q
	s.mu.Unlock()

	s.promMeasured.Set(measured)
	s.promDelay.Set(delay)
	s.promSmoothed.Set(smoothed)
	s.promDrift.Set(driftPPM)
	s.promQ.Set(q)
}

// SetCounter sets an arbitrary monitoring counter, used by the system
// stats collector
func (s *Stats) SetCounter(key string, val int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] = val
}

// Summary returns a snapshot for reporting
func (s *Stats) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{
		Syncs:              atomic.LoadInt64(&s.syncs),
		SyncErrors:         atomic.LoadInt64(&s.syncErrors),
		InitialSyncRetries: atomic.LoadInt64(&s.initialSyncRetries),
		Samples:            s.samples,
		LastSmoothed:       s.lastSmoothed,
		LastDriftPPM:       s.lastDriftPPM,
		LastQ:              s.lastQ,
	}
	if s.samples > 0 {
		sum.OffsetMean = s.offset.Mean()
		sum.OffsetStddev = s.offset.Stddev()
		sum.DelayMean = s.delay.Mean()
		sum.DelayStddev = s.delay.Stddev()
	}
	return sum
}

// toMap converts collected stats to a map
func (s *Stats) toMap() map[string]float64 {
	export := make(map[string]float64)
	export["state"] = float64(atomic.LoadInt64(&s.state))
	export["syncs"] = float64(atomic.LoadInt64(&s.syncs))
	export["sync_errors"] = float64(atomic.LoadInt64(&s.syncErrors))
	export["initial_sync_retries"] = float64(atomic.LoadInt64(&s.initialSyncRetries))

	s.mu.Lock()
	defer s.mu.Unlock()
	export["samples"] = float64(s.samples)
	export["measured_offset_sec"] = s.lastMeasured
	export["smoothed_offset_sec"] = s.lastSmoothed
	export["delay_sec"] = s.lastDelay
	export["drift_ppm"] = s.lastDriftPPM
	export["process_noise_q"] = s.lastQ
	if s.samples > 0 {
		export["offset_mean_sec"] = s.offset.Mean()
		export["offset_stddev_sec"] = s.offset.Stddev()
		export["delay_mean_sec"] = s.delay.Mean()
		export["delay_stddev_sec"] = s.delay.Stddev()
	}
	for k, v := range s.counters {
		export[k] = float64(v)
	}
	return export
}
