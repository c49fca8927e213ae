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
Package daemon ties the pieces together: it performs the blocking
initial sync, runs the background sampler and feeds its measurements
through the Kalman filter into the program clock, while rendering
progress to a display sink and exporting counters over the monitoring
port.
*/
package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/fatih/color"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/DamoyY/Khronos/clock"
	"github.com/DamoyY/Khronos/kalman"
	"github.com/DamoyY/Khronos/ntp/client"
)

// State is the daemon lifecycle state
type State uint8

// All the states of the daemon
const (
	StateStarting       State = 0
	StateInitialSyncing State = 1
	StateRunning        State = 2
	StateShutdown       State = 3
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateInitialSyncing:
		return "INITIAL_SYNCING"
	case StateRunning:
		return "RUNNING"
	case StateShutdown:
		return "SHUTDOWN"
	}
	return "UNSUPPORTED"
}

// sysStatsInterval is how often runtime stats are pushed to monitoring
const sysStatsInterval = time.Minute

// maxSafeMicros bounds duration/float64 conversions: beyond 2^53
// microseconds float64 silently loses integer precision, so such
// durations are rejected instead of truncated.
const maxSafeMicros = int64(1) << 53

var errDurationOverflow = errors.New("duration is out of safe float64 range")

func durationToSeconds(d time.Duration) (float64, error) {
	us := d.Microseconds()
	if us > maxSafeMicros || us < -maxSafeMicros {
		return 0, errDurationOverflow
	}
	return float64(us) / 1e6, nil
}

func secondsToDuration(s float64) (time.Duration, error) {
	if math.IsNaN(s) || math.Abs(s) > float64(maxSafeMicros)/1e6 {
		return 0, errDurationOverflow
	}
	return time.Duration(s * float64(time.Second)), nil
}

// Daemon is the loop orchestrator
type Daemon struct {
	cfg     *Config
	clk     *clock.ProgramClock
	filter  *kalman.Filter
	querier *client.Querier
	stats   StatsServer
	display Displayer
	state   State
}

// New creates a Daemon from validated config
func New(cfg *Config, stats StatsServer, display Displayer) (*Daemon, error) {
	return newDaemon(cfg, stats, display, clockwork.NewRealClock())
}

func newDaemon(cfg *Config, stats StatsServer, display Displayer, mono clockwork.Clock) (*Daemon, error) {
	initial, err := cfg.Clock.InitialTime()
	if err != nil {
		return nil, err
	}
	pc := clock.NewWithClockwork(initial, mono)
	querier := client.NewQuerier(pc)
	querier.Port = cfg.NTP.Port
	querier.PacketSize = cfg.NTP.PacketSize
	querier.RxTimestampOffset = cfg.NTP.RecvTimestampOffset
	querier.TxTimestampOffset = cfg.NTP.TransmitTimestampOffset

	filter := kalman.NewWithClockwork(kalman.Config{
		InitialUncertainty:   cfg.Kalman.InitialUncertainty,
		InitialProcessNoiseQ: cfg.Kalman.InitialProcessNoiseQ,
		NISEMAAlpha:          cfg.Kalman.NISEMAAlpha,
		AdaptationRateEta:    cfg.Kalman.AdaptationRateEta,
		AdaptiveQ:            cfg.Kalman.AdaptiveQ,
	}, mono)

	d := &Daemon{
		cfg:     cfg,
		clk:     pc,
		filter:  filter,
		querier: querier,
		stats:   stats,
		display: display,
	}
	d.setState(StateStarting)
	return d, nil
}

// Clock returns the program clock
func (d *Daemon) Clock() *clock.ProgramClock {
	return d.clk
}

func (d *Daemon) setState(s State) {
	d.state = s
	d.stats.SetState(s)
	log.Debugf("daemon state: %s", s)
}

// Run performs the initial sync, then keeps the program clock
// disciplined until ctx is cancelled. Cancellation is a clean shutdown,
// not an error.
func (d *Daemon) Run(ctx context.Context) error {
	d.setState(StateInitialSyncing)
	if err := d.initialSync(ctx); err != nil {
		d.setState(StateShutdown)
		return err
	}
	if ctx.Err() != nil {
		d.setState(StateShutdown)
		return nil
	}
	d.setState(StateRunning)

	sampler := client.NewSampler(client.SamplerConfig{
		Servers:     d.cfg.NTP.Servers,
		MinInterval: d.cfg.NTP.SyncIntervalMin(),
		MaxInterval: d.cfg.NTP.SyncIntervalMax(),
		Timeout:     d.cfg.NTP.SyncTimeout(),
	}, d.querier)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		sampler.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		return d.loop(ctx, sampler.Messages())
	})
	if d.cfg.MonitoringPort > 0 {
		eg.Go(func() error {
			sysstats := &SysStats{}
			updateSysStats(sysstats, d.stats)
			ticker := time.NewTicker(sysStatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					updateSysStats(sysstats, d.stats)
				}
			}
		})
	}
	err := eg.Wait()
	d.setState(StateShutdown)
	return err
}

// initialSync queries random servers until one answers, then applies
// the raw measured offset: the filter needs a rough anchor before it
// can operate. Cancellation returns cleanly without an anchor.
func (d *Daemon) initialSync(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			log.Debug("initial sync cancelled")
			return nil
		}
		server := d.cfg.NTP.Servers[rand.Intn(len(d.cfg.NTP.Servers))]
		d.display.ClearCurrentLine()
		d.display.Print(color.CyanString("initial sync with %s...", server))
		_ = d.display.Flush()

		sample, err := d.querier.Query(server, d.cfg.NTP.InitialSyncTimeout())
		if err == nil {
			d.clk.ApplyOffset(sample.Offset)
			d.stats.IncSyncs()
			d.display.Print("\n")
			_ = d.display.Flush()
			log.Infof("initial sync with %s: offset %v, delay %v", server, sample.Offset, sample.Delay)
			return nil
		}
		log.Debugf("initial sync with %s failed: %v", server, err)
		d.stats.IncInitialSyncRetries()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.NTP.InitialSyncRetryInterval()):
		}
	}
}

// loop renders the clock every refresh tick and processes at most one
// sampler message per tick. One message per tick is intentional
// backpressure: the display tick is orders of magnitude faster than
// the sampler, so the queue depth stays at 1.
func (d *Daemon) loop(ctx context.Context, msgs <-chan client.Message) error {
	ticker := time.NewTicker(d.cfg.UI.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		d.display.ClearCurrentLine()
		d.display.Print(d.clk.Now().Format(d.cfg.UI.TimeFormat))
		_ = d.display.Flush()

		select {
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			d.handleMessage(m)
		default:
		}
	}
}

func (d *Daemon) handleMessage(m client.Message) {
	switch msg := m.(type) {
	case client.Syncing:
		d.display.ClearCurrentLine()
		d.display.Print(color.YellowString("syncing with %s...", msg.Server))
		_ = d.display.Flush()
	case client.Success:
		if err := d.handleSample(msg.Sample); err != nil {
			log.Warningf("discarding sample from %s: %v", msg.Sample.Server, err)
			d.stats.IncSyncErrors()
		}
	}
}

// handleSample feeds one measurement through the filter and applies
// the smoothed correction to the program clock. Any conversion error
// discards the sample; the filter and clock never see a partial one.
func (d *Daemon) handleSample(sample client.Sample) error {
	offsetSec, err := durationToSeconds(sample.Offset)
	if err != nil {
		return fmt.Errorf("converting offset %v: %w", sample.Offset, err)
	}
	delaySec, err := durationToSeconds(sample.Delay)
	if err != nil {
		return fmt.Errorf("converting delay %v: %w", sample.Delay, err)
	}
	r := math.Max(delaySec, 0) * d.cfg.Kalman.DelayToRFactor

	smoothedSec := d.filter.Update(offsetSec, r)
	smoothed, err := secondsToDuration(smoothedSec)
	if err != nil {
		return fmt.Errorf("converting smoothed offset %v: %w", smoothedSec, err)
	}
	d.clk.ApplyOffset(smoothed)

	d.stats.IncSyncs()
	d.stats.ObserveSample(offsetSec, delaySec, smoothedSec, d.filter.DriftPPM(), d.filter.ProcessNoiseQ())

	line := fmt.Sprintf("measured %+.2fms, delay %.2fms | smoothed %+.2fms, drift %+.2f ppm, q %.1e",
		offsetSec*1000, delaySec*1000, smoothedSec*1000, d.filter.DriftPPM(), d.filter.ProcessNoiseQ())
	d.display.ClearCurrentLine()
	d.display.Print(color.GreenString("sync %s: ", sample.Server) + line + "\n")
	_ = d.display.Flush()
	log.Infof("sync %s: %s", sample.Server, line)
	return nil
}
