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

/*
Package kalman implements an adaptive two-state Kalman filter for clock
offset tracking. The state is [offset, drift] in seconds and
seconds/second; the single scalar measurement is an offset sample, with
measurement noise derived from the network delay.

The process noise intensity q adapts from the Normalized Innovation
Squared: a consistent scalar filter has E[NIS] = 1, so a NIS EMA
persistently above 1 means the model underestimates drift and q grows,
and below 1 q shrinks. The multiplicative exponential update keeps
q positive by construction.
*/
package kalman

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds the initial filter parameters
type Config struct {
	InitialOffset        float64 // seconds
	InitialUncertainty   float64 // initial diagonal of P
	InitialProcessNoiseQ float64 // process noise intensity
	NISEMAAlpha          float64 // EMA smoothing for NIS, [0, 1]
	AdaptationRateEta    float64 // q adaptation rate, [0, 1]
	AdaptiveQ            bool    // enable NIS-driven q adaptation
}

// DefaultConfig returns the filter parameters used in production
func DefaultConfig() Config {
	return Config{
		InitialUncertainty:   10.0,
		InitialProcessNoiseQ: 5e-10,
		NISEMAAlpha:          0.05,
		AdaptationRateEta:    0.05,
		AdaptiveQ:            true,
	}
}

// Filter is a two-state Kalman filter. Not safe for concurrent use:
// it's owned by the orchestrator loop.
type Filter struct {
	x      [2]float64
	p      [2][2]float64
	q      float64
	nisEMA float64
	cfg    Config

	lastUpdate time.Time
	mono       clockwork.Clock
}

// New creates a Filter timed by the system monotonic clock
func New(cfg Config) *Filter {
	return NewWithClockwork(cfg, clockwork.NewRealClock())
}

// NewWithClockwork creates a Filter timed by the given clock,
// so tests control the update intervals.
func NewWithClockwork(cfg Config, mono clockwork.Clock) *Filter {
	return &Filter{
		x: [2]float64{cfg.InitialOffset, 0},
		p: [2][2]float64{
			{cfg.InitialUncertainty, 0},
			{0, cfg.InitialUncertainty},
		},
		q:          cfg.InitialProcessNoiseQ,
		nisEMA:     1.0,
		cfg:        cfg,
		lastUpdate: mono.Now(),
		mono:       mono,
	}
}

// Update runs one predict/correct cycle on measurement z with
// measurement noise r and returns the smoothed offset estimate.
// The time step is monotonic elapsed since the previous update.
func (f *Filter) Update(z, r float64) float64 {
	now := f.mono.Now()
	dt := now.Sub(f.lastUpdate).Seconds()
	f.lastUpdate = now

	xp, pp := f.predict(dt)
	f.correct(z, r, xp, pp)
	return f.x[0]
}

// predict propagates state and covariance by dt seconds:
// x⁻ = F·x, P⁻ = F·P·Fᵀ + Q with F = [[1, dt], [0, 1]] and Q the
// integral of continuous white noise on drift.
func (f *Filter) predict(dt float64) ([2]float64, [2][2]float64) {
	dt2 := dt * dt
	dt3 := dt2 * dt

	xp := [2]float64{
		math.FMA(dt, f.x[1], f.x[0]),
		f.x[1],
	}
	pp := [2][2]float64{
		{
			f.p[0][0] + dt*(f.p[0][1]+f.p[1][0]) + dt2*f.p[1][1] + f.q*dt3/3,
			math.FMA(dt, f.p[1][1], f.p[0][1]) + f.q*dt2/2,
		},
		{
			math.FMA(dt, f.p[1][1], f.p[1][0]) + f.q*dt2/2,
			f.p[1][1] + f.q*dt,
		},
	}
	return xp, pp
}

// correct folds in measurement z with noise r using H = [1, 0] and the
// (I−KH)P⁻ covariance form, then adapts q from the innovation.
func (f *Filter) correct(z, r float64, xp [2]float64, pp [2][2]float64) {
	y := z - xp[0]
	s := pp[0][0] + r
	k0 := pp[0][0] / s
	k1 := pp[1][0] / s

	f.x[0] = math.FMA(k0, y, xp[0])
	f.x[1] = math.FMA(k1, y, xp[1])

	f.p[0][0] = (1 - k0) * pp[0][0]
	f.p[0][1] = (1 - k0) * pp[0][1]
	f.p[1][0] = math.FMA(-k1, pp[0][0], pp[1][0])
	f.p[1][1] = math.FMA(-k1, pp[0][1], pp[1][1])

	if f.cfg.AdaptiveQ {
		nis := y * y / s
		f.nisEMA = math.FMA(f.cfg.NISEMAAlpha, nis-f.nisEMA, f.nisEMA)
		f.q *= math.Exp(f.cfg.AdaptationRateEta * (f.nisEMA - 1))
	}
}

// DriftPPM returns the drift estimate in parts per million
func (f *Filter) DriftPPM() float64 {
	return f.x[1] * 1e6
}

// ProcessNoiseQ returns the current process noise intensity
func (f *Filter) ProcessNoiseQ() float64 {
	return f.q
}

// NISEMA returns the smoothed Normalized Innovation Squared
func (f *Filter) NISEMA() float64 {
	return f.nisEMA
}
