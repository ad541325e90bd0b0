// Package config defines the connectivity core's configuration surface:
// the back-off pattern strings, TURN credentials, RUDP tunables, and
// discovery parameters that pkg/backoff, pkg/turn, pkg/rudp, and
// pkg/discovery are constructed from. It carries no viper dependency
// itself — internal/config owns loading a file into this struct — so
// that library callers can build a Config by hand without pulling in a
// file-format opinion.
package config

import "time"

// STUNConfig holds a STUN request retry pattern (spec §3), which Validate
// checks, and SOFTWARE/FINGERPRINT settings. Components do not read these
// fields: requesters use stun.DefaultRequestPattern and outgoing requests
// carry no SOFTWARE attribute.
type STUNConfig struct {
	RequestPattern string `yaml:"request_pattern" mapstructure:"request_pattern"`
	Software       string `yaml:"software" mapstructure:"software"`
	Fingerprint    bool   `yaml:"fingerprint" mapstructure:"fingerprint"`
}

// TURNConfig configures a turn.Client (spec §4).
type TURNConfig struct {
	URIs             []string      `yaml:"uris" mapstructure:"uris"`
	Username         string        `yaml:"username" mapstructure:"username"`
	Password         string        `yaml:"password" mapstructure:"password"`
	Realm            string        `yaml:"realm" mapstructure:"realm"`
	EvenPort         bool          `yaml:"even_port" mapstructure:"even_port"`
	ReserveNext      bool          `yaml:"reserve_next" mapstructure:"reserve_next"`
	RelayBandwidthBps float64      `yaml:"relay_bandwidth_bps" mapstructure:"relay_bandwidth_bps"`
	RelayBurstBytes  int           `yaml:"relay_burst_bytes" mapstructure:"relay_burst_bytes"`
	PermissionTTL    time.Duration `yaml:"permission_ttl" mapstructure:"permission_ttl"`
	ChannelTTL       time.Duration `yaml:"channel_ttl" mapstructure:"channel_ttl"`
	NonceCachePath   string        `yaml:"nonce_cache_path" mapstructure:"nonce_cache_path"`
	NonceCacheTTL    time.Duration `yaml:"nonce_cache_ttl" mapstructure:"nonce_cache_ttl"`
}

// RUDPConfig configures a rudp.Channel/rudp.Listener (spec §5).
type RUDPConfig struct {
	PreferCompactData bool          `yaml:"prefer_compact_data" mapstructure:"prefer_compact_data"`
	SendWindow        int           `yaml:"send_window" mapstructure:"send_window"`
	InitialCwnd       int           `yaml:"initial_cwnd" mapstructure:"initial_cwnd"`
	DelayedAckWindow  time.Duration `yaml:"delayed_ack_window" mapstructure:"delayed_ack_window"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	FinWait           time.Duration `yaml:"fin_wait" mapstructure:"fin_wait"`
}

// DiscoveryConfig configures a discovery.Discoverer (spec §7).
type DiscoveryConfig struct {
	Name               string        `yaml:"name" mapstructure:"name"`
	Service            string        `yaml:"service" mapstructure:"service"`
	Proto              string        `yaml:"proto" mapstructure:"proto"`
	DefaultPort        uint16        `yaml:"default_port" mapstructure:"default_port"`
	KeepWarmPingPeriod time.Duration `yaml:"keep_warm_ping_period" mapstructure:"keep_warm_ping_period"`
}

// LoggingConfig configures the shared pkg/logging.Logger.
type LoggingConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Format      string `yaml:"format" mapstructure:"format"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// MetricsConfig configures the Prometheus exposition surface exposed by
// cmd/p2pdiag.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// Config is the complete configuration for a connectivity-core client:
// one process driving a STUN requester pool, an optional TURN
// allocation, zero or more RUDP channels, and server discovery.
type Config struct {
	Listen    string          `yaml:"listen" mapstructure:"listen"`
	STUN      STUNConfig      `yaml:"stun" mapstructure:"stun"`
	TURN      TURNConfig      `yaml:"turn" mapstructure:"turn"`
	RUDP      RUDPConfig      `yaml:"rudp" mapstructure:"rudp"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" mapstructure:"tracing"`
}

// Default returns the configuration used when no file or environment
// override is supplied.
func Default() *Config {
	return &Config{
		Listen: "0.0.0.0:0",
		STUN: STUNConfig{
			RequestPattern: "/500,1000,1500,2000,2500///",
			Software:       "p2pconnect",
			Fingerprint:    true,
		},
		TURN: TURNConfig{
			EvenPort:          false,
			ReserveNext:       false,
			RelayBandwidthBps: 0, // 0 disables shaping
			RelayBurstBytes:   1500,
			PermissionTTL:     5 * time.Minute,
			ChannelTTL:        10 * time.Minute,
			NonceCachePath:    "./data/turn-nonces",
			NonceCacheTTL:     time.Hour,
		},
		RUDP: RUDPConfig{
			PreferCompactData: true,
			SendWindow:        256,
			InitialCwnd:       4,
			DelayedAckWindow:  200 * time.Millisecond,
			IdleTimeout:       30 * time.Second,
			FinWait:           500 * time.Millisecond,
		},
		Discovery: DiscoveryConfig{
			Service:            "stun",
			Proto:              "udp",
			DefaultPort:        3478,
			KeepWarmPingPeriod: 0,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "p2pconnect",
			Environment: "development",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "0.0.0.0:9090",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "p2pconnect",
		},
	}
}
