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

package client

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Message is an update published by the sampler. Within one iteration
// Syncing always precedes the corresponding Success; across iterations
// messages are FIFO.
type Message interface {
	message()
}

// Syncing reports that a query to the server has started
type Syncing struct {
	Server string
}

// Success carries a completed measurement
type Success struct {
	Sample Sample
}

func (Syncing) message() {}
func (Success) message() {}

// SamplerConfig configures the background sampler
type SamplerConfig struct {
	Servers     []string
	MinInterval time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
}

// Sampler periodically measures clock offset against a randomly picked
// server from the pool. Both the pick and the pause between queries are
// randomized so a fleet of restarting instances doesn't herd onto one
// server at the same instant.
type Sampler struct {
	cfg     SamplerConfig
	querier *Querier
	clk     clockwork.Clock
	out     chan Message
}

// NewSampler creates a Sampler publishing measurements from querier
func NewSampler(cfg SamplerConfig, querier *Querier) *Sampler {
	return newSampler(cfg, querier, clockwork.NewRealClock())
}

func newSampler(cfg SamplerConfig, querier *Querier, clk clockwork.Clock) *Sampler {
	return &Sampler{
		cfg:     cfg,
		querier: querier,
		clk:     clk,
		out:     make(chan Message, 16),
	}
}

// Messages returns the channel the sampler publishes on. The channel
// is closed when Run returns.
func (s *Sampler) Messages() <-chan Message {
	return s.out
}

// Run loops until ctx is cancelled. Query errors are dropped after a
// debug log: the next iteration picks a fresh server after its own
// randomized sleep, so a dead server is rotated away from without
// retry storms.
func (s *Sampler) Run(ctx context.Context) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(s.nextInterval()):
		}
		server := s.cfg.Servers[rand.Intn(len(s.cfg.Servers))]
		if !s.publish(ctx, Syncing{Server: server}) {
			return
		}
		sample, err := s.querier.Query(server, s.cfg.Timeout)
		if err != nil {
			log.Debugf("sync with %s failed: %v", server, err)
			continue
		}
		if !s.publish(ctx, Success{Sample: *sample}) {
			return
		}
	}
}

func (s *Sampler) publish(ctx context.Context, m Message) bool {
	select {
	case <-ctx.Done():
		return false
	case s.out <- m:
		return true
	}
}

func (s *Sampler) nextInterval() time.Duration {
	spread := int64(s.cfg.MaxInterval - s.cfg.MinInterval)
	if spread <= 0 {
		return s.cfg.MinInterval
	}
	return s.cfg.MinInterval + time.Duration(rand.Int63n(spread+1))
}
