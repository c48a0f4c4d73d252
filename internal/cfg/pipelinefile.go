package cfg

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/rampart/internal/playbook"
)

// Source types accepted in the pipeline file.
const (
	SourceTypeElastic = "elastic"
	SourceTypeQRadar  = "qradar"
)

// SchedulerConfig tunes the iteration loop.
type SchedulerConfig struct {
	IntervalSeconds        int  `yaml:"interval_seconds"`
	PlaybookTimeoutSeconds int  `yaml:"playbook_timeout_seconds"`
	Workers                int  `yaml:"workers"`
	AbortOnFailure         bool `yaml:"abort_on_failure"`
}

// Interval returns the iteration interval, defaulted when unset.
func (s SchedulerConfig) Interval() time.Duration {
	if s.IntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IntervalSeconds) * time.Second
}

// PlaybookTimeout returns the per-playbook budget, zero when unset so the
// pipeline applies its own default.
func (s SchedulerConfig) PlaybookTimeout() time.Duration {
	return time.Duration(s.PlaybookTimeoutSeconds) * time.Second
}

// CacheConfig bounds the dedup cache.
type CacheConfig struct {
	Path                 string `yaml:"path"`
	MaxAgeHours          int    `yaml:"max_age_hours"`
	MaxSizeMB            int    `yaml:"max_size_mb"`
	SweepIntervalMinutes int    `yaml:"sweep_interval_minutes"`
}

// MaxAge returns the entry age limit, defaulted to 7 days when unset.
func (c CacheConfig) MaxAge() time.Duration {
	if c.MaxAgeHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// MaxBytes returns the byte budget, defaulted to 64 MiB when unset.
func (c CacheConfig) MaxBytes() int64 {
	if c.MaxSizeMB <= 0 {
		return 64 << 20
	}
	return int64(c.MaxSizeMB) << 20
}

// SweepInterval returns how often the age sweep runs, defaulted to 15 minutes.
func (c CacheConfig) SweepInterval() time.Duration {
	if c.SweepIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// SourceConfig declares one alert source.
type SourceConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Index    string `yaml:"index"`
}

// NotifyConfig targets the notification back-end.
type NotifyConfig struct {
	Homeserver string `yaml:"homeserver"`
	Channel    string `yaml:"channel"`
}

// CasesConfig targets the case manager.
type CasesConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// VirusTotalConfig targets the reputation service.
type VirusTotalConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// CorrelationConfig tunes the correlate_hosts playbook.
type CorrelationConfig struct {
	WindowMinutes int `yaml:"window_minutes"`
	Threshold     int `yaml:"threshold"`
}

// Window returns the sliding correlation window, zero when unset so the
// playbook applies its own default.
func (c CorrelationConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// PipelineFile is the YAML topology: which sources to poll, which playbooks
// run in what order, and the cache and scheduler limits. It is re-read
// between iterations; a file that fails to load keeps the previous topology.
type PipelineFile struct {
	Scheduler   SchedulerConfig        `yaml:"scheduler"`
	Cache       CacheConfig            `yaml:"cache"`
	Sources     []SourceConfig         `yaml:"sources"`
	Playbooks   []*playbook.Descriptor `yaml:"playbooks"`
	Notify      NotifyConfig           `yaml:"notify"`
	Cases       CasesConfig            `yaml:"cases"`
	VirusTotal  VirusTotalConfig       `yaml:"virustotal"`
	Correlation CorrelationConfig      `yaml:"correlation"`
}

// LoadPipelineFile reads and validates the pipeline YAML.
func LoadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}

	var pf PipelineFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}
	if err := pf.validate(); err != nil {
		return nil, fmt.Errorf("pipeline file %s: %w", path, err)
	}
	return &pf, nil
}

func (pf *PipelineFile) validate() error {
	var errs []error

	for i, src := range pf.Sources {
		if src.Name == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name is required", i))
		}
		if src.Type != SourceTypeElastic && src.Type != SourceTypeQRadar {
			errs = append(errs, fmt.Errorf("sources[%d] %q: unknown type %q", i, src.Name, src.Type))
		}
		if src.Enabled && src.Endpoint == "" {
			errs = append(errs, fmt.Errorf("sources[%d] %q: endpoint is required when enabled", i, src.Name))
		}
	}

	if len(pf.Playbooks) == 0 {
		errs = append(errs, errors.New("at least one playbook is required"))
	}
	for i, pb := range pf.Playbooks {
		if pb.Name == "" {
			errs = append(errs, fmt.Errorf("playbooks[%d]: name is required", i))
		}
		if pb.Rank < 0 {
			errs = append(errs, fmt.Errorf("playbooks[%d] %q: rank must not be negative", i, pb.Name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
