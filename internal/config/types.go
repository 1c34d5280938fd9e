package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full on-disk configuration. Duration fields are strings
// ("30s", "2m") parsed during Validate so a bad value is rejected before
// anything starts.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	RPC     RPCConfig     `json:"rpc"`
	Program ProgramConfig `json:"program"`
	Keypair KeypairConfig `json:"keypair"`
	Source  SourceConfig  `json:"source"`
	Engine  EngineConfig  `json:"engine"`
	Fees    FeesConfig    `json:"fees"`
	Journal JournalConfig `json:"journal"`
	Status  StatusConfig  `json:"status"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFileOut `json:"file"`
}

type LoggingFileOut struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type RPCConfig struct {
	URL        string `json:"url"`
	Timeout    string `json:"timeout"`
	RatePerSec int    `json:"rate_per_sec"`
}

type ProgramConfig struct {
	// ID is the base58 address of the on-chain program whose accounts
	// hold task records.
	ID string `json:"id"`
}

type KeypairConfig struct {
	Path string `json:"path"`
}

type SourceConfig struct {
	// Kind selects the notification source. "replay" reads a JSONL
	// capture from Path.
	Kind string `json:"kind"`
	Path string `json:"path"`
	// QueueSize bounds the notification channel between source and
	// ingestion loop.
	QueueSize int `json:"queue_size"`
}

type EngineConfig struct {
	MaxInFlight    int    `json:"max_in_flight"`
	RetryMax       int    `json:"retry_max"`
	SweepInterval  string `json:"sweep_interval"`
	ConfirmTimeout string `json:"confirm_timeout"`
	PollInterval   string `json:"poll_interval"`
	SkipPreflight  bool   `json:"skip_preflight"`
}

type FeesConfig struct {
	// ComputeUnitPrice is the priority fee in micro-lamports per compute
	// unit. 0 disables the price instruction.
	ComputeUnitPrice uint64 `json:"compute_unit_price"`
}

type JournalConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
	RetainDays  int    `json:"retain_days"`
}

type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Debug   bool   `json:"debug"`
}

// Durations holds the parsed duration fields. Produced by Validate.
type Durations struct {
	RPCTimeout     time.Duration
	SweepInterval  time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	JournalBusy    time.Duration
}

// Validate checks cross-field requirements and parses every duration
// string. It is also the reload gate: a config that fails here is never
// committed.
func (c *Config) Validate() (Durations, error) {
	var d Durations
	if c == nil {
		return d, errors.New("config is nil")
	}
	if strings.TrimSpace(c.RPC.URL) == "" {
		return d, errors.New("rpc.url is required")
	}
	if strings.TrimSpace(c.Program.ID) == "" {
		return d, errors.New("program.id is required")
	}
	if strings.TrimSpace(c.Keypair.Path) == "" {
		return d, errors.New("keypair.path is required")
	}
	switch c.Source.Kind {
	case "", "replay":
		if c.Source.Kind == "replay" && strings.TrimSpace(c.Source.Path) == "" {
			return d, errors.New("source.path is required for replay source")
		}
	default:
		return d, fmt.Errorf("source.kind %q is not supported", c.Source.Kind)
	}
	if c.Engine.MaxInFlight < 0 {
		return d, errors.New("engine.max_in_flight must be >= 0")
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		return d, errors.New("journal.path is required when journal.enabled")
	}
	if c.Status.Enabled && strings.TrimSpace(c.Status.Addr) == "" {
		return d, errors.New("status.addr is required when status.enabled")
	}

	var err error
	if d.RPCTimeout, err = ParseDurationOrDefault("rpc.timeout", c.RPC.Timeout, 15*time.Second); err != nil {
		return d, err
	}
	if d.SweepInterval, err = ParseDurationOrDefault("engine.sweep_interval", c.Engine.SweepInterval, 10*time.Second); err != nil {
		return d, err
	}
	if d.ConfirmTimeout, err = ParseDurationOrDefault("engine.confirm_timeout", c.Engine.ConfirmTimeout, 60*time.Second); err != nil {
		return d, err
	}
	if d.PollInterval, err = ParseDurationOrDefault("engine.poll_interval", c.Engine.PollInterval, 2*time.Second); err != nil {
		return d, err
	}
	if d.JournalBusy, err = ParseDurationOrDefault("journal.busy_timeout", c.Journal.BusyTimeout, 5*time.Second); err != nil {
		return d, err
	}
	return d, nil
}
