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
Package clock implements the program clock: a virtual wall clock that
tracks UTC independently of the host clock. The clock stores an anchor
pair (UTC estimate, monotonic stamp) and derives current time from the
monotonic delta, so host clock steps never leak into readings. Corrections
are applied by re-anchoring, which keeps elapsed arithmetic small.
*/
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ProgramClock is the process-wide estimate of true UTC.
// Safe for concurrent use.
type ProgramClock struct {
	mu         sync.Mutex
	anchorUTC  time.Time
	anchorMono time.Time
	started    time.Time
	mono       clockwork.Clock
}

// New creates a ProgramClock that starts at initialUTC and advances
// with the system monotonic clock.
func New(initialUTC time.Time) *ProgramClock {
	return NewWithClockwork(initialUTC, clockwork.NewRealClock())
}

// NewWithClockwork creates a ProgramClock driven by the given monotonic
// source. Tests pass clockwork.NewFakeClock for deterministic readings.
func NewWithClockwork(initialUTC time.Time, mono clockwork.Clock) *ProgramClock {
	now := mono.Now()
	return &ProgramClock{
		anchorUTC:  initialUTC.UTC(),
		anchorMono: now,
		started:    now,
		mono:       mono,
	}
}

// Now returns the current UTC estimate: anchor plus monotonic elapsed.
func (c *ProgramClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchorUTC.Add(c.mono.Since(c.anchorMono))
}

// ApplyOffset jumps the clock by offset and re-anchors it, so the
// next Now() reflects the correction. Positive offset moves the clock
// forward.
func (c *ProgramClock) ApplyOffset(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.mono.Now()
	c.anchorUTC = c.anchorUTC.Add(now.Sub(c.anchorMono)).Add(offset)
	c.anchorMono = now
}

// Elapsed reports how long the clock has been running.
func (c *ProgramClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono.Since(c.started)
}
