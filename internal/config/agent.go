// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentSimConfig is the complete configuration for cmd/spoe-agent-sim:
// the reference SPOE agent used to exercise the frame codec and Agent
// Runtime end-to-end (§2/§4). It plays the role HAProxy's real external
// agent collaborator would in production.
type AgentSimConfig struct {
	Listen     ListenInfo       `yaml:"listen"`
	Engine     EngineInfo       `yaml:"engine"`
	Capability CapabilityInfo   `yaml:"capabilities"`
	Timeouts   SimTimeouts      `yaml:"timeouts"`
	Responses  []ResponseRule   `yaml:"responses"`
	Logging    LoggingInfo      `yaml:"logging"`
}

// ListenInfo is the TCP address the simulated agent accepts HAProxy-side
// connections on.
type ListenInfo struct {
	Address string `yaml:"address"`
}

// EngineInfo identifies this simulated agent in HELLO exchanges.
type EngineInfo struct {
	ID string `yaml:"id"`
}

// CapabilityInfo mirrors the capability flags this simulated agent
// advertises in its HELLO reply (§2).
type CapabilityInfo struct {
	Pipelining       bool `yaml:"pipelining"`
	Async            bool `yaml:"async"`
	SndFragmentation bool `yaml:"snd_fragmentation"`
	RcvFragmentation bool `yaml:"rcv_fragmentation"`
}

// SimTimeouts configures the simulated agent's own protocol timers.
type SimTimeouts struct {
	Hello      time.Duration `yaml:"hello"`
	Idle       time.Duration `yaml:"idle"`
	Processing time.Duration `yaml:"processing"`
}

// ResponseRule is a canned ACK the simulator sends in reply to a NOTIFY
// carrying a message of the given name — enough scripting to drive the
// integration scenarios in §5's worked examples without a real backend.
type ResponseRule struct {
	OnMessage string        `yaml:"on_message"`
	Delay     time.Duration `yaml:"delay"` // artificial latency before ACKing, for timeout tests
	SetVars   []SetVarRule  `yaml:"set_vars"`
}

// SetVarRule is one SET_VAR action in a canned ACK (§2.3).
type SetVarRule struct {
	Scope string `yaml:"scope"` // proc|sess|txn|req|res
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// LoadAgentSimConfig reads and validates the YAML configuration file for
// cmd/spoe-agent-sim.
func LoadAgentSimConfig(path string) (*AgentSimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent-sim config: %w", err)
	}

	var cfg AgentSimConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent-sim config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent-sim config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentSimConfig) validate() error {
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if c.Engine.ID == "" {
		c.Engine.ID = "corelb-agent-sim"
	}
	if c.Timeouts.Hello <= 0 {
		c.Timeouts.Hello = 5 * time.Second
	}
	if c.Timeouts.Idle <= 0 {
		c.Timeouts.Idle = 90 * time.Second
	}
	if c.Timeouts.Processing <= 0 {
		c.Timeouts.Processing = 1 * time.Second
	}
	for i, r := range c.Responses {
		if r.OnMessage == "" {
			return fmt.Errorf("responses[%d].on_message is required", i)
		}
		for j, sv := range r.SetVars {
			switch sv.Scope {
			case "proc", "sess", "txn", "req", "res":
			default:
				return fmt.Errorf("responses[%d].set_vars[%d].scope must be one of proc|sess|txn|req|res, got %q", i, j, sv.Scope)
			}
			if sv.Name == "" {
				return fmt.Errorf("responses[%d].set_vars[%d].name is required", i, j)
			}
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultChunkSize mirrors the reference proxy's default internal
// buffer granularity. No code in this module reads it.
const DefaultChunkSize = 1 * 1024 * 1024

// LoggingInfo holds logging configuration shared by every config root.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ParseByteSize converts human-readable size strings like "256mb",
// "1gb" to a byte count. Used for frame-size and buffer-size fields
// across both config roots.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	// Longest suffix first so "mb" doesn't match as "b".
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
