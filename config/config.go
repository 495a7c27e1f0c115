// Package config loads the daemon and simulator settings.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrVerbosity is returned for an unknown verbosity.
var ErrVerbosity = errors.New("verbosity must be quiet, info or verbose")

// Settings is the whole configuration file.
type Settings struct {
	// Verbosity is quiet, info or verbose.
	Verbosity string `yaml:"verbosity"`
	// ForceBroadcast treats every machine check as broadcast.
	ForceBroadcast bool `yaml:"force_broadcast"`
	// Dom0VMCE says a management consumer takes committed reports. Without
	// it reports are printed and dropped.
	Dom0VMCE       bool `yaml:"dom0_vmce"`
	ReportCapacity int  `yaml:"report_capacity"`
	QueueDepth     int  `yaml:"queue_depth"`

	Poll       Poll       `yaml:"poll"`
	Store      Store      `yaml:"store"`
	Metrics    Metrics    `yaml:"metrics"`
	Simulation Simulation `yaml:"simulation"`
}

// Poll bounds the poll interval.
type Poll struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// Store locates the report database.
type Store struct {
	Path string `yaml:"path"`
}

// Metrics is the prometheus listener.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Simulation describes the simulated platform.
type Simulation struct {
	CPUs        int    `yaml:"cpus"`
	Banks       int    `yaml:"banks"`
	PackageSize int    `yaml:"package_size"`
	Shared      []int  `yaml:"shared_banks"`
	NoCMCI      []int  `yaml:"no_cmci_banks"`
	SER         bool   `yaml:"ser"`
	CMCI        bool   `yaml:"cmci"`
	ExtCount    int    `yaml:"ext_count"`
	Family      uint32 `yaml:"family"`
	Model       uint32 `yaml:"model"`
	Pages       uint64 `yaml:"pages"`
}

// Default returns the settings used without a file.
func Default() *Settings {
	s := &Settings{}
	s.applyDefaults()

	return s
}

func (s *Settings) applyDefaults() {
	if s.Verbosity == "" {
		s.Verbosity = "info"
	}

	if s.ReportCapacity == 0 {
		s.ReportCapacity = 32
	}

	if s.QueueDepth == 0 {
		s.QueueDepth = 64
	}

	if s.Poll.MinInterval == 0 {
		s.Poll.MinInterval = 15 * time.Second
	}

	if s.Poll.MaxInterval == 0 {
		s.Poll.MaxInterval = 5 * time.Minute
	}

	if s.Store.Path == "" {
		s.Store.Path = "/var/lib/mcheck/reports.db"
	}

	if s.Metrics.Addr == "" {
		s.Metrics.Addr = ":9464"
	}

	sim := &s.Simulation
	if sim.CPUs == 0 {
		sim.CPUs = 4
	}

	if sim.Banks == 0 {
		sim.Banks = 10
	}

	if sim.PackageSize == 0 {
		sim.PackageSize = 2
	}

	if sim.Family == 0 {
		sim.Family, sim.Model = 6, 0x55
	}

	if sim.Pages == 0 {
		sim.Pages = 1 << 20
	}
}

// Load reads path. Environment variables in the file are expanded.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &s); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	s.applyDefaults()

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

// Validate checks values that have no sensible fallback.
func (s *Settings) Validate() error {
	if _, err := ParseLevel(s.Verbosity); err != nil {
		return err
	}

	if s.Poll.MaxInterval < s.Poll.MinInterval {
		return fmt.Errorf("poll.max_interval %s below poll.min_interval %s", s.Poll.MaxInterval, s.Poll.MinInterval)
	}

	return nil
}

// ParseLevel maps a verbosity to a log level.
func ParseLevel(v string) (slog.Level, error) {
	switch v {
	case "quiet":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "verbose":
		return slog.LevelDebug, nil
	}

	return 0, fmt.Errorf("%q: %w", v, ErrVerbosity)
}
