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
	"fmt"
	"math"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/DamoyY/Khronos/ntp/protocol"
)

// KalmanConfig describes the filter parameters
type KalmanConfig struct {
	InitialProcessNoiseQ float64 `yaml:"initial_process_noise_q"`
	InitialUncertainty   float64 `yaml:"initial_uncertainty"`
	DelayToRFactor       float64 `yaml:"delay_to_r_factor"`
	AdaptationRateEta    float64 `yaml:"adaptation_rate_eta"`
	NISEMAAlpha          float64 `yaml:"nis_ema_alpha"`
	AdaptiveQ            bool    `yaml:"adaptive_q"`
}

// Validate KalmanConfig is sane
func (c *KalmanConfig) Validate() error {
	if c.InitialProcessNoiseQ <= 0 {
		return fmt.Errorf("initial_process_noise_q must be positive")
	}
	if c.InitialUncertainty <= 0 {
		return fmt.Errorf("initial_uncertainty must be positive")
	}
	if c.DelayToRFactor <= 0 {
		return fmt.Errorf("delay_to_r_factor must be positive")
	}
	if c.AdaptationRateEta < 0 || c.AdaptationRateEta > 1 {
		return fmt.Errorf("adaptation_rate_eta must be between 0 and 1")
	}
	if c.NISEMAAlpha < 0 || c.NISEMAAlpha > 1 {
		return fmt.Errorf("nis_ema_alpha must be between 0 and 1")
	}
	return nil
}

// NTPConfig describes servers and wire parameters of the NTP client
type NTPConfig struct {
	Servers                      []string `yaml:"servers"`
	Port                         int      `yaml:"port"`
	PacketSize                   int      `yaml:"packet_size"`
	UnixEpochDiffSeconds         uint64   `yaml:"unix_epoch_diff_seconds"`
	RecvTimestampOffset          int      `yaml:"recv_timestamp_offset"`
	TransmitTimestampOffset      int      `yaml:"transmit_timestamp_offset"`
	InitialSyncTimeoutMillis     uint64   `yaml:"initial_sync_timeout_millis"`
	InitialSyncRetryIntervalSecs uint64   `yaml:"initial_sync_retry_interval_secs"`
	SyncTimeoutMillis            uint64   `yaml:"sync_timeout_millis"`
	SyncIntervalMinSecs          uint64   `yaml:"sync_interval_min_secs"`
	SyncIntervalMaxSecs          uint64   `yaml:"sync_interval_max_secs"`
}

// InitialSyncTimeout returns the per-query timeout of the initial sync
func (c *NTPConfig) InitialSyncTimeout() time.Duration {
	return time.Duration(c.InitialSyncTimeoutMillis) * time.Millisecond
}

// InitialSyncRetryInterval returns the pause between initial sync attempts
func (c *NTPConfig) InitialSyncRetryInterval() time.Duration {
	return time.Duration(c.InitialSyncRetryIntervalSecs) * time.Second
}

// SyncTimeout returns the per-query timeout of the background sampler
func (c *NTPConfig) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutMillis) * time.Millisecond
}

// SyncIntervalMin returns the lower bound of the randomized sync interval
func (c *NTPConfig) SyncIntervalMin() time.Duration {
	return time.Duration(c.SyncIntervalMinSecs) * time.Second
}

// SyncIntervalMax returns the upper bound of the randomized sync interval
func (c *NTPConfig) SyncIntervalMax() time.Duration {
	return time.Duration(c.SyncIntervalMaxSecs) * time.Second
}

// Validate NTPConfig is sane
func (c *NTPConfig) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server must be specified")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.PacketSize < protocol.PacketSizeBytes {
		return fmt.Errorf("packet_size must be at least %d", protocol.PacketSizeBytes)
	}
	if c.UnixEpochDiffSeconds > math.MaxUint32 {
		return fmt.Errorf("unix_epoch_diff_seconds must fit in 32 bits")
	}
	if c.RecvTimestampOffset < 0 || c.RecvTimestampOffset+protocol.TimestampSizeBytes > c.PacketSize {
		return fmt.Errorf("recv_timestamp_offset is outside of the packet")
	}
	if c.TransmitTimestampOffset < 0 || c.TransmitTimestampOffset+protocol.TimestampSizeBytes > c.PacketSize {
		return fmt.Errorf("transmit_timestamp_offset is outside of the packet")
	}
	if c.SyncIntervalMinSecs > c.SyncIntervalMaxSecs {
		return fmt.Errorf("sync_interval_min_secs must not exceed sync_interval_max_secs")
	}
	return nil
}

// UIConfig describes the terminal display
type UIConfig struct {
	RefreshIntervalMillis uint64 `yaml:"refresh_interval_millis"`
	// TimeFormat is a Go reference time layout
	TimeFormat string `yaml:"time_format"`
}

// RefreshInterval returns the display tick interval
func (c *UIConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMillis) * time.Millisecond
}

// Validate UIConfig is sane
func (c *UIConfig) Validate() error {
	if c.RefreshIntervalMillis == 0 {
		return fmt.Errorf("refresh_interval_millis must be positive")
	}
	if c.TimeFormat == "" {
		return fmt.Errorf("time_format must not be empty")
	}
	return nil
}

// ClockConfig describes where the program clock starts
type ClockConfig struct {
	InitialUTC string `yaml:"initial_utc"`
}

// InitialTime parses the configured RFC 3339 start time
func (c *ClockConfig) InitialTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, c.InitialUTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing initial_utc: %w", err)
	}
	return t.UTC(), nil
}

// Validate ClockConfig is sane
func (c *ClockConfig) Validate() error {
	_, err := c.InitialTime()
	return err
}

// Config specifies khronos run options
type Config struct {
	Kalman         KalmanConfig `yaml:"kalman"`
	NTP            NTPConfig    `yaml:"ntp"`
	UI             UIConfig     `yaml:"ui"`
	Clock          ClockConfig  `yaml:"clock"`
	MonitoringPort int          `yaml:"monitoring_port"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		Kalman: KalmanConfig{
			InitialProcessNoiseQ: 5e-10,
			InitialUncertainty:   10.0,
			DelayToRFactor:       1.0,
			AdaptationRateEta:    0.05,
			NISEMAAlpha:          0.05,
			AdaptiveQ:            true,
		},
		NTP: NTPConfig{
			Servers: []string{
				"time1.facebook.com",
				"time2.facebook.com",
				"time3.facebook.com",
				"time4.facebook.com",
				"time5.facebook.com",
				"time.cloudflare.com",
				"0.pool.ntp.org",
				"1.pool.ntp.org",
			},
			Port:                         123,
			PacketSize:                   protocol.PacketSizeBytes,
			UnixEpochDiffSeconds:         protocol.UnixEpochDiff,
			RecvTimestampOffset:          protocol.RxTimestampOffset,
			TransmitTimestampOffset:      protocol.TxTimestampOffset,
			InitialSyncTimeoutMillis:     200,
			InitialSyncRetryIntervalSecs: 1,
			SyncTimeoutMillis:            500,
			SyncIntervalMinSecs:          0,
			SyncIntervalMaxSecs:          2,
		},
		UI: UIConfig{
			RefreshIntervalMillis: 2,
			TimeFormat:            "2006-01-02 15:04:05.000",
		},
		Clock: ClockConfig{
			InitialUTC: "2000-01-01T00:00:00Z",
		},
	}
}

// Validate config is sane
func (c *Config) Validate() error {
	if err := c.Kalman.Validate(); err != nil {
		return fmt.Errorf("invalid kalman config: %w", err)
	}
	if err := c.NTP.Validate(); err != nil {
		return fmt.Errorf("invalid ntp config: %w", err)
	}
	if err := c.UI.Validate(); err != nil {
		return fmt.Errorf("invalid ui config: %w", err)
	}
	if err := c.Clock.Validate(); err != nil {
		return fmt.Errorf("invalid clock config: %w", err)
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoring_port must be 0 or positive")
	}
	return nil
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, c); err != nil {
		return nil, err
	}
	return c, nil
}

// PrepareConfig prepares final version of config based on defaults,
// CLI flags and on-disk config, and validates the result
func PrepareConfig(cfgPath string, servers []string, monitoringPort int, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if len(servers) > 0 {
		log.Warningf("overriding servers from CLI flag")
		cfg.NTP.Servers = servers
	}
	if setFlags["monitoringport"] {
		log.Warningf("overriding monitoring port from CLI flag")
		cfg.MonitoringPort = monitoringPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}
