package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Orchestrator resolves a benchmark, guarantees its datasets are Verified,
// and executes its entry point under a uniform lifecycle. One Run call is one
// single-pass state machine: pending, datasets checking, executing, terminal.
// Faults inside the entry point never escape Run; they become a Failed report.
type Orchestrator struct {
	Registry *Registry
	Cache    *DatasetCache
	Store    *StoreClient
	Output   string
	Timeout  time.Duration

	host SysInfo
}

func NewOrchestrator(registry *Registry, cache *DatasetCache, store *StoreClient, cfg Config) *Orchestrator {
	return &Orchestrator{
		Registry: registry,
		Cache:    cache,
		Store:    store,
		Output:   cfg.Run.Output,
		Timeout:  time.Duration(cfg.Run.Timeout),
		host:     HostStat(),
	}
}

// Run executes one benchmark and returns its terminal RunReport. The only
// errors returned alongside an empty report are contract violations visible
// before a run exists: an unregistered benchmark identifier or a capability
// the descriptor never declared. Everything after that point is reported as
// data, not as an error.
func (o *Orchestrator) Run(ctx context.Context, benchmark string, mode Capability, overrides map[string]string, workDir string) (RunReport, error) {
	descriptor, entry, err := o.Registry.Resolve(benchmark)
	if err != nil {
		return RunReport{}, err
	}
	if !descriptor.Capabilities.Has(mode) {
		return RunReport{}, fmt.Errorf("%w: %v implements %v, requested %v", ErrCapabilityMismatch, benchmark, descriptor.Capabilities, mode)
	}

	now := time.Now()
	report := RunReport{
		ID:        fmt.Sprintf("%v-%v-%v", benchmark, now.Unix(), rand.Intn(1000)),
		Benchmark: benchmark,
		Mode:      mode.String(),
		StartedAt: now,
		Datasets:  make(map[string]string),
		Host:      o.host,
	}

	runDir := workDir
	if runDir == "" {
		runDir = filepath.Join(o.Output, benchmark, now.Format("2006-01-02-1504"))
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return o.finish(report, runDir, RunFailed, err), nil
	}

	options, err := mergeOptions(descriptor.Defaults, overrides)
	if err != nil {
		return o.finish(report, runDir, RunConfigInvalid, err), nil
	}
	report.Options = options
	seed, err := seedOption(options)
	if err != nil {
		return o.finish(report, runDir, RunConfigInvalid, err), nil
	}

	Logger.Infof("run %v: checking %v datasets", report.ID, len(descriptor.Datasets))
	for _, dataset := range descriptor.Datasets {
		state, err := o.Cache.Ensure(ctx, dataset, o.Store)
		if err != nil {
			Logger.Errorf("run %v: dataset %v not available: %v", report.ID, dataset, err)
			return o.finish(report, runDir, RunDatasetUnavailable, err), nil
		}
		report.Datasets[dataset] = state.Root
	}

	// The entry point gets its own copies of the config maps so a misbehaving
	// benchmark cannot reach back into the report.
	dataDirs := make(map[string]string, len(report.Datasets))
	for dataset, root := range report.Datasets {
		dataDirs[dataset] = root
	}
	frozen := make(map[string]string, len(options))
	for key, value := range options {
		frozen[key] = value
	}
	cfg := &RunConfig{
		Benchmark: benchmark,
		Mode:      mode,
		Options:   frozen,
		WorkDir:   runDir,
		DataDirs:  dataDirs,
		Seed:      seed,
	}

	Logger.Infof("run %v: executing %v (%v)", report.ID, benchmark, mode)
	result, err := o.invoke(ctx, entry, cfg)
	if err != nil {
		return o.finish(report, runDir, RunFailed, &BenchmarkFault{Benchmark: benchmark, Err: err}), nil
	}
	report.Metrics = result.Metrics
	report.Artifacts = result.Artifacts
	return o.finish(report, runDir, RunSucceeded, nil), nil
}

// invoke runs the entry point in a scratch-scoped goroutine so that a
// wall-clock timeout and panic containment both hold. The scratch directory
// is released on every exit path, timeouts and faults included.
func (o *Orchestrator) invoke(ctx context.Context, entry EntryPoint, cfg *RunConfig) (RunResult, error) {
	scratch := filepath.Join(cfg.WorkDir, "tmp")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return RunResult{}, err
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			Logger.Errorf("failed to release scratch dir %v: %v", scratch, err)
		}
	}()

	runCtx := ctx
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	type outcome struct {
		result RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("entry point panic: %v", r)}
			}
		}()
		result, err := entry.Run(runCtx, cfg)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && runCtx.Err() != nil && ctx.Err() == nil {
			return RunResult{}, fmt.Errorf("%w after %v", ErrRunTimeout, o.Timeout)
		}
		return out.result, out.err
	case <-runCtx.Done():
		// The entry point cannot be preempted and may keep writing into the
		// scratch dir after the deferred removal; sweep again once it returns.
		go func() {
			<-done
			if err := os.RemoveAll(scratch); err != nil {
				Logger.Errorf("failed to release scratch dir %v: %v", scratch, err)
			}
		}()
		if ctx.Err() != nil {
			return RunResult{}, ctx.Err()
		}
		return RunResult{}, fmt.Errorf("%w after %v", ErrRunTimeout, o.Timeout)
	}
}

func (o *Orchestrator) finish(report RunReport, runDir string, status RunStatus, cause error) RunReport {
	report.Status = status
	report.EndedAt = time.Now()
	if cause != nil {
		report.Error = cause.Error()
	}
	if _, err := report.Write(runDir); err != nil {
		Logger.Errorf("run %v: failed to persist report: %v", report.ID, err)
	}
	Logger.Infof("run %v finished with status %v in %v", report.ID, report.Status, report.Duration())
	return report
}

// mergeOptions overlays overrides onto descriptor defaults. Override keys the
// descriptor never declared are rejected so a typo cannot silently pass
// through to the entry point.
func mergeOptions(defaults map[string]string, overrides map[string]string) (map[string]string, error) {
	merged := make(map[string]string, len(defaults))
	for key, value := range defaults {
		merged[key] = value
	}
	for key, value := range overrides {
		if _, ok := defaults[key]; !ok {
			return nil, fmt.Errorf("%w: unknown option %q", ErrConfigInvalid, key)
		}
		merged[key] = value
	}
	return merged, nil
}

func seedOption(options map[string]string) (int64, error) {
	raw, ok := options["seed"]
	if !ok {
		return 0, nil
	}
	seed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: option \"seed\" must be an integer, got %q", ErrConfigInvalid, raw)
	}
	return seed, nil
}
