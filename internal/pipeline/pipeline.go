package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/alert"
	"github.com/linnemanlabs/rampart/internal/dedup"
	"github.com/linnemanlabs/rampart/internal/playbook"
)

const defaultPlaybookTimeout = 60 * time.Second

// Config tunes pipeline execution.
type Config struct {
	// PlaybookTimeout bounds a single playbook invocation. Zero selects the
	// default.
	PlaybookTimeout time.Duration

	// AbortOnFailure skips every remaining playbook for an alert after the
	// first failure, instead of only the failed playbook's dependents.
	AbortOnFailure bool
}

// Pipeline processes one alert at a time: dedup claim, playbook matching,
// then sequential rank-ordered execution. Safe for concurrent use; per-alert
// calls share only the dedup cache and the adapters.
type Pipeline struct {
	cache    *dedup.Cache
	adapters *adapter.Set
	cfg      Config
	logger   log.Logger
	metrics  *Metrics
}

// New creates a pipeline. metrics may be nil.
func New(cache *dedup.Cache, adapters *adapter.Set, cfg Config, logger log.Logger, metrics *Metrics) *Pipeline {
	if cfg.PlaybookTimeout <= 0 {
		cfg.PlaybookTimeout = defaultPlaybookTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{
		cache:    cache,
		adapters: adapters,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Process runs one alert through the state machine. The fingerprint is
// recorded only once dispatch begins, so a crash between the dedup check and
// the record causes reprocessing rather than loss.
func (p *Pipeline) Process(ctx context.Context, reg *playbook.Registry, al *alert.Alert) AlertResult {
	fp := al.Fingerprint()

	if !p.cache.Claim(fp) {
		al.State = alert.StateDeduped
		p.metrics.ObserveAlert(string(al.SourceType), "deduped")
		return AlertResult{AlertID: al.ID, State: alert.StateDeduped}
	}

	selected := reg.Match(al)
	if len(selected) == 0 {
		al.State = alert.StateCompleted
		p.cache.Record(fp, al.SizeEstimate())
		p.metrics.ObserveAlert(string(al.SourceType), "unmatched")
		p.logger.Info(ctx, "no playbook matched", "alert_id", al.ID, "source", al.SourceType)
		return AlertResult{AlertID: al.ID, State: alert.StateCompleted, Unmatched: true}
	}

	al.State = alert.StateDispatched
	p.cache.Record(fp, al.SizeEstimate())

	result := AlertResult{AlertID: al.ID, Runs: make([]PlaybookRun, 0, len(selected))}
	downed := make(map[string]bool, len(selected))
	anyFailed := false

	for _, sel := range selected {
		name := sel.Desc.Name

		if dep := failedDependency(sel.Desc, downed); dep != "" {
			downed[name] = true
			result.Runs = append(result.Runs, PlaybookRun{
				Playbook: name, AlertID: al.ID,
				Outcome: OutcomeSkipped, Detail: "upstream failure: " + dep,
			})
			p.metrics.ObserveRun(name, OutcomeSkipped, 0)
			continue
		}
		if anyFailed && p.cfg.AbortOnFailure {
			downed[name] = true
			result.Runs = append(result.Runs, PlaybookRun{
				Playbook: name, AlertID: al.ID,
				Outcome: OutcomeSkipped, Detail: "aborted after earlier failure",
			})
			p.metrics.ObserveRun(name, OutcomeSkipped, 0)
			continue
		}

		start := time.Now()
		err := p.runOne(ctx, sel, al)
		elapsed := time.Since(start)

		run := PlaybookRun{Playbook: name, AlertID: al.ID, Duration: elapsed}
		if err != nil {
			anyFailed = true
			downed[name] = true
			run.Outcome = OutcomeFailed
			run.Detail = err.Error()
			p.logger.Error(ctx, err, "playbook failed", "alert_id", al.ID, "playbook", name)
		} else {
			run.Outcome = OutcomeSuccess
		}
		result.Runs = append(result.Runs, run)
		p.metrics.ObserveRun(name, run.Outcome, elapsed)
	}

	if anyFailed {
		al.State = alert.StateFailed
		p.metrics.ObserveAlert(string(al.SourceType), "failed")
	} else {
		al.State = alert.StateCompleted
		p.metrics.ObserveAlert(string(al.SourceType), "completed")
	}
	result.State = al.State
	return result
}

// runOne invokes a playbook under the configured timeout. The goroutine may
// outlive a timeout; the alert's mutable fields are mutex-guarded for that
// reason.
func (p *Pipeline) runOne(ctx context.Context, sel *playbook.Selected, al *alert.Alert) error {
	name := sel.Desc.Name
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.PlaybookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PlaybookError{Playbook: name, Reason: fmt.Sprintf("panic: %v", r)}
			}
		}()
		done <- sel.Impl.Run(runCtx, al, p.adapters)
	}()

	select {
	case err := <-done:
		if err != nil {
			if pe, ok := err.(*PlaybookError); ok {
				return pe
			}
			return &PlaybookError{Playbook: name, Reason: err.Error(), Err: err}
		}
		return nil
	case <-runCtx.Done():
		return &PlaybookError{Playbook: name, Reason: "timeout", Err: runCtx.Err()}
	}
}

// failedDependency returns the first declared dependency that failed or was
// skipped, cascading skips transitively down the chain.
func failedDependency(desc *playbook.Descriptor, downed map[string]bool) string {
	for _, dep := range desc.DependsOn {
		if downed[dep] {
			return dep
		}
	}
	return ""
}
