// Package config defines the tunables collaborators pass into the core.
//
// The core never loads these from a file or environment itself — that is an
// external-collaborator concern — but it mirrors the teacher's double-tagged
// struct convention (mapstructure for file loaders, json for API responses)
// so a collaborator's own loader can bind directly onto it.
package config

import "time"

// Options bundles every tunable named across §6 of the specification.
type Options struct {
	Onion struct {
		CircuitHops     int  `mapstructure:"circuit_hops" json:"circuit_hops"`
		MixingEnabled   bool `mapstructure:"mixing_enabled" json:"mixing_enabled"`
		MixingWindowMS  int  `mapstructure:"mixing_window_ms" json:"mixing_window_ms"`
	} `mapstructure:"onion" json:"onion"`

	RateLimit struct {
		MaxRequestsPerSec     float64       `mapstructure:"max_requests_per_sec" json:"max_requests_per_sec"`
		BurstSize             int           `mapstructure:"burst_size" json:"burst_size"`
		CircuitBreakerThresh  int           `mapstructure:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
		CircuitBreakerTimeout time.Duration `mapstructure:"circuit_breaker_timeout_ms" json:"circuit_breaker_timeout_ms"`
	} `mapstructure:"rate_limit" json:"rate_limit"`

	MLS struct {
		ReplayCacheSize int `mapstructure:"replay_cache_size" json:"replay_cache_size"`
	} `mapstructure:"mls" json:"mls"`

	DHT struct {
		BucketSize             int           `mapstructure:"bucket_size" json:"bucket_size"`
		Alpha                  int           `mapstructure:"alpha" json:"alpha"`
		NumBuckets             int           `mapstructure:"num_buckets" json:"num_buckets"`
		BucketRefreshInterval  time.Duration `mapstructure:"bucket_refresh_interval_ms" json:"bucket_refresh_interval_ms"`
		MaxValueSize           int           `mapstructure:"max_value_size" json:"max_value_size"`
		RequireSignatures      bool          `mapstructure:"require_signatures" json:"require_signatures"`
	} `mapstructure:"dht" json:"dht"`

	Noise struct {
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout_secs" json:"handshake_timeout_secs"`
	} `mapstructure:"noise" json:"noise"`
}

// Default returns the spec's documented defaults.
func Default() Options {
	var o Options
	o.Onion.CircuitHops = 3
	o.Onion.MixingEnabled = false
	o.Onion.MixingWindowMS = 100
	o.RateLimit.MaxRequestsPerSec = 100
	o.RateLimit.BurstSize = 200
	o.RateLimit.CircuitBreakerThresh = 10
	o.RateLimit.CircuitBreakerTimeout = 30 * time.Second
	o.MLS.ReplayCacheSize = 1024
	o.DHT.BucketSize = 20
	o.DHT.Alpha = 3
	o.DHT.NumBuckets = 256
	o.DHT.BucketRefreshInterval = time.Hour
	o.DHT.MaxValueSize = 64 * 1024
	o.DHT.RequireSignatures = false
	o.Noise.HandshakeTimeout = 30 * time.Second
	return o
}
