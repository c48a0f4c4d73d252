// Package cfg holds process configuration: flags and environment for
// secrets, ports, and shutdown budgets, plus the YAML pipeline file that
// describes sources, playbooks, cache limits, and scheduling.
package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds daemon-specific configuration fields to the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	PipelineFile          string
	APIToken              string
	DatabaseURL           string
	ElasticAPIKey         string
	QRadarToken           string
	VirusTotalAPIKey      string
	IrisAPIKey            string
	MatrixAccessToken     string
	ClaudeAPIKey          string
	ClaudeModel           string
	Once                  bool
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.PipelineFile, "pipeline-file", "pipeline.yaml", "path to the pipeline YAML (sources, playbooks, cache, scheduler)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token protecting the run API (empty = unauthenticated)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the dedup cache (empty = file store)")
	fs.StringVar(&c.ElasticAPIKey, "elastic-api-key", "", "API key for the Elastic SIEM source")
	fs.StringVar(&c.QRadarToken, "qradar-token", "", "SEC token for the QRadar offense source")
	fs.StringVar(&c.VirusTotalAPIKey, "virustotal-api-key", "", "API key for VirusTotal reputation lookups")
	fs.StringVar(&c.IrisAPIKey, "iris-api-key", "", "API key for the IRIS case manager")
	fs.StringVar(&c.MatrixAccessToken, "matrix-access-token", "", "access token for Matrix notifications")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (empty disables ai_summary)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.BoolVar(&c.Once, "once", false, "run a single iteration, print the result as JSON, and exit")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.PipelineFile == "" {
		errs = append(errs, errors.New("PIPELINE_FILE is required"))
	}

	// ai_summary is optional, but a key without a model cannot work
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
