// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/ensemble/pkg/errors"
)

// Duration is a yaml-decodable time.Duration ("500ms", "30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return &errors.ConfigError{Key: "duration", Reason: "invalid duration " + s, Cause: err}
	}
	*d = Duration(parsed)
	return nil
}

// Config drives a worker pool. Zero values take the defaults below.
type Config struct {
	WorkerID          string   `yaml:"worker_id"`
	PollInterval      Duration `yaml:"poll_interval"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	StaleThreshold    Duration `yaml:"stale_threshold"`
	ShutdownGrace     Duration `yaml:"shutdown_grace"`
}

// Defaults for unset config fields.
const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultStaleThreshold    = 30 * time.Second
	DefaultShutdownGrace     = 15 * time.Second
)

// LoadConfig reads and validates a worker config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: "config", Reason: "reading " + path, Cause: err}
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &errors.ConfigError{Key: "config", Reason: "parsing " + path, Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and rejects inconsistent settings. A
// heartbeat interval at or above the stale threshold would make every
// healthy task look abandoned, so that combination is an error.
func (c *Config) Validate() error {
	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.WorkerID = host
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = Duration(DefaultStaleThreshold)
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = Duration(DefaultShutdownGrace)
	}
	if time.Duration(c.HeartbeatInterval) >= time.Duration(c.StaleThreshold) {
		return &errors.ConfigError{
			Key:    "heartbeat_interval",
			Reason: "heartbeat_interval must be shorter than stale_threshold",
		}
	}
	return nil
}
