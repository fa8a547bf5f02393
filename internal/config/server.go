// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyConfig is the complete configuration for cmd/corelb: the
// backends/servers the Server Lifecycle Engine manages, the SPOE agents
// the rule engine dispatches to, the state-file persistence backend, the
// CLI listen socket, the TLS key ring seed, and the logging/stats
// ambient stack.
type ProxyConfig struct {
	Backends  []BackendConfig    `yaml:"backends"`
	Agents    []SPOEAgentConfig  `yaml:"spoe_agents"`
	StateFile StateFileConfig    `yaml:"state_file"`
	CLI       CLIConfig          `yaml:"cli"`
	TLSKeys   TLSKeysConfig      `yaml:"tls_keys"`
	Logging   LoggingInfo        `yaml:"logging"`
	Stats     StatsConfig        `yaml:"stats"`
}

// BackendConfig declares one backend and its pool of servers (§3/§4.5).
type BackendConfig struct {
	Name    string          `yaml:"name"`
	Listen  string          `yaml:"listen"` // frontend bind, e.g. "tcp://0.0.0.0:8080"; empty = no demonstration listener
	Algo    AlgorithmConfig `yaml:"algorithm"`
	Servers []ServerConfig  `yaml:"servers"`
}

// AlgorithmConfig carries the weight-recomputation divisor/multiplier
// and whether slowstart recomputes dynamically (§4.5).
type AlgorithmConfig struct {
	WDiv    int  `yaml:"wdiv"`
	WMult   int  `yaml:"wmult"`
	Dynamic bool `yaml:"dynamic"`
}

// ServerConfig declares one backend server at load time.
type ServerConfig struct {
	Name                         string        `yaml:"name"`
	Addr                         string        `yaml:"addr"`
	Port                         int           `yaml:"port"`
	FQDN                         string        `yaml:"fqdn"`
	CheckPort                    int           `yaml:"check_port"`
	Backup                       bool          `yaml:"backup"`
	Weight                       int           `yaml:"weight"`
	Rise                         int           `yaml:"rise"` // health value a cleared MAINT resumes at; 0 = default of 2
	Slowstart                    time.Duration `yaml:"slowstart"`
	Disabled                     bool          `yaml:"disabled"` // config-initial MAINT (CMAINT)
	OnMarkedDownShutdownSessions bool          `yaml:"on_marked_down_shutdown_sessions"`
	OnMarkedUpShutdownBackupOnes bool          `yaml:"on_marked_up_shutdown_backup_ones"`
	Tracks                       string        `yaml:"tracks"` // name of another server in the same backend to track
}

// SPOEAgentConfig declares one SPOE agent: its identity, backend
// reference, capability flags, timeouts, and per-thread runtime limits
// (§2 SPOE Agent).
type SPOEAgentConfig struct {
	Name             string        `yaml:"name"`
	Address          string        `yaml:"address"` // host:port of the external SPOE agent
	EngineID         string        `yaml:"engine_id"`
	Backend          string        `yaml:"backend"`
	Pipelining       bool          `yaml:"pipelining"`
	Async            bool          `yaml:"async"`
	SndFragmentation bool          `yaml:"snd_fragmentation"`
	RcvFragmentation bool          `yaml:"rcv_fragmentation"`
	ContinueOnError  bool          `yaml:"continue_on_error"`
	HelloTimeout     time.Duration `yaml:"hello_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	MaxFrameSize     int           `yaml:"max_frame_size"`
	MaxConnectionRate int          `yaml:"max_connection_rate"` // cps limit, 0 = unlimited
	MaxErrorRate     int           `yaml:"max_error_rate"`      // eps limit, 0 = unlimited
	MinApplets       int           `yaml:"min_applets"`         // 0 = derive from backend.active_servers
	MaxFPA           int           `yaml:"max_fpa"`             // max frames processed per applet wakeup
}

// StateFileConfig selects and configures the state-file persistence
// backend (§4.5/§6).
type StateFileConfig struct {
	Backend           string        `yaml:"backend"` // "local" or "s3"
	Dir               string        `yaml:"dir"`      // backend=local
	Bucket            string        `yaml:"bucket"`   // backend=s3
	Prefix            string        `yaml:"prefix"`   // backend=s3
	Region            string        `yaml:"region"`   // backend=s3
	Endpoint          string        `yaml:"endpoint"` // backend=s3, optional custom endpoint
	Compression       string        `yaml:"compression"` // "none"|"gzip"|"zstd"
	Retain            int           `yaml:"retain"`
	SnapshotSchedule  string        `yaml:"snapshot_schedule"` // cron expression
	ResyncSchedule    string        `yaml:"resync_schedule"`   // cron expression, DNS resync
}

// CLIConfig configures the CLI listen socket. The listener/accept loop
// itself is built by cmd/corelb, not this package (§1).
type CLIConfig struct {
	Listen string       `yaml:"listen"` // e.g. "unix:///var/run/corelb.sock" or "tcp://127.0.0.1:9999"
	TLS    CLITLSConfig `yaml:"tls"`
}

// CLITLSConfig enables mTLS on a tcp:// CLI socket, authenticating a
// remote admin tool against the same CA it was issued a client
// certificate from. Leave CACert empty to serve the socket in the
// clear (the default, and the only option for a unix:// socket).
type CLITLSConfig struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

func (t CLITLSConfig) enabled() bool { return t.CACert != "" || t.Cert != "" || t.Key != "" }

// TLSKeysConfig seeds the TLS key ring for each configured bind line
// (§5 "TLS key rings").
type TLSKeysConfig struct {
	RingSize int      `yaml:"ring_size"` // 0 = tlskeys.DefaultRingSize
	Binds    []string `yaml:"binds"`
}

// StatsConfig configures the periodic observability.Reporter and the
// optional read-only HTTP exposition surface.
type StatsConfig struct {
	Interval time.Duration `yaml:"interval"`    // 0 = 5m default
	HTTPAddr string        `yaml:"http_listen"` // e.g. "127.0.0.1:9100"; empty = no HTTP endpoint
}

// LoadProxyConfig reads and validates the YAML configuration file for
// cmd/corelb.
func LoadProxyConfig(path string) (*ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading proxy config: %w", err)
	}
	return LoadProxyConfigBytes(data)
}

// LoadProxyConfigBytes parses and validates already-read YAML content,
// useful for tests that don't want to touch the filesystem.
func LoadProxyConfigBytes(data []byte) (*ProxyConfig, error) {
	var cfg ProxyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing proxy config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating proxy config: %w", err)
	}
	return &cfg, nil
}

func (c *ProxyConfig) validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	backendNames := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if backendNames[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate backend name %q", i, b.Name)
		}
		backendNames[b.Name] = true

		if b.Algo.WDiv <= 0 {
			b.Algo.WDiv = 1
		}
		if b.Algo.WMult <= 0 {
			b.Algo.WMult = 1
		}
		c.Backends[i].Algo = b.Algo

		if len(b.Servers) == 0 {
			return fmt.Errorf("backends[%d].servers must have at least one entry", i)
		}
		srvNames := make(map[string]bool, len(b.Servers))
		for j, s := range b.Servers {
			if s.Name == "" {
				return fmt.Errorf("backends[%d].servers[%d].name is required", i, j)
			}
			if srvNames[s.Name] {
				return fmt.Errorf("backends[%d].servers[%d]: duplicate server name %q", i, j, s.Name)
			}
			srvNames[s.Name] = true
			if s.Addr == "" && s.FQDN == "" {
				return fmt.Errorf("backends[%d].servers[%d]: one of addr or fqdn is required", i, j)
			}
			if s.Weight < 0 {
				return fmt.Errorf("backends[%d].servers[%d].weight must be >= 0, got %d", i, j, s.Weight)
			}
			if s.Weight == 0 {
				b.Servers[j].Weight = 1
			}
			if s.Rise <= 0 {
				b.Servers[j].Rise = 2
			}
		}
	}

	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("spoe_agents[%d].name is required", i)
		}
		if a.Backend == "" {
			return fmt.Errorf("spoe_agents[%d].backend is required", i)
		}
		if a.Address == "" {
			return fmt.Errorf("spoe_agents[%d].address is required", i)
		}
		if !backendNames[a.Backend] {
			return fmt.Errorf("spoe_agents[%d].backend %q is not a configured backend", i, a.Backend)
		}
		if a.MaxFrameSize <= 0 {
			a.MaxFrameSize = 16384
		}
		if a.MaxFrameSize < 256 {
			return fmt.Errorf("spoe_agents[%d].max_frame_size must be >= 256, got %d", i, a.MaxFrameSize)
		}
		if a.HelloTimeout <= 0 {
			a.HelloTimeout = 5 * time.Second
		}
		if a.IdleTimeout <= 0 {
			a.IdleTimeout = 90 * time.Second
		}
		if a.ProcessingTimeout <= 0 {
			a.ProcessingTimeout = 1 * time.Second
		}
		if a.MaxFPA <= 0 {
			a.MaxFPA = 100
		}
		c.Agents[i] = a
	}

	switch strings.ToLower(c.StateFile.Backend) {
	case "", "local":
		c.StateFile.Backend = "local"
		if c.StateFile.Dir == "" {
			c.StateFile.Dir = "/var/lib/corelb/state"
		}
	case "s3":
		if c.StateFile.Bucket == "" {
			return fmt.Errorf("state_file.bucket is required when state_file.backend is s3")
		}
	default:
		return fmt.Errorf("state_file.backend must be local or s3, got %q", c.StateFile.Backend)
	}
	if c.StateFile.Retain <= 0 {
		c.StateFile.Retain = 5
	}
	if c.StateFile.Compression == "" {
		c.StateFile.Compression = "zstd"
	}
	switch strings.ToLower(c.StateFile.Compression) {
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("state_file.compression must be none, gzip, or zstd, got %q", c.StateFile.Compression)
	}

	if c.CLI.Listen == "" {
		c.CLI.Listen = "unix:///var/run/corelb.sock"
	}
	if c.CLI.TLS.enabled() {
		if c.CLI.TLS.CACert == "" || c.CLI.TLS.Cert == "" || c.CLI.TLS.Key == "" {
			return fmt.Errorf("cli.tls requires ca_cert, cert, and key all set together")
		}
		if !strings.HasPrefix(c.CLI.Listen, "tcp://") {
			return fmt.Errorf("cli.tls is only supported on a tcp:// cli.listen socket")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Stats.Interval <= 0 {
		c.Stats.Interval = 5 * time.Minute
	}

	return nil
}
