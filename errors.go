package main

import (
	"errors"
	"fmt"
)

// Error taxonomy of the harness. Transport failures (ErrNetwork) are the only
// retryable class and are retried inside the store client; everything else
// propagates to the orchestrator boundary where it is folded into a RunReport.
var (
	ErrAuth               = errors.New("credentials rejected by dataset store")
	ErrNetwork            = errors.New("dataset store transport failure")
	ErrIntegrity          = errors.New("file checksum does not match manifest")
	ErrDatasetUnavailable = errors.New("dataset unavailable")
	ErrUnknownBenchmark   = errors.New("unknown benchmark")
	ErrDuplicateBenchmark = errors.New("benchmark already registered")
	ErrCapabilityMismatch = errors.New("benchmark does not support requested capability")
	ErrConfigInvalid      = errors.New("invalid run configuration")
	ErrRunTimeout         = errors.New("benchmark run exceeded wall-clock timeout")
)

// BenchmarkFault wraps any failure surfaced by an entry point, including
// recovered panics. It never escapes Orchestrator.Run.
type BenchmarkFault struct {
	Benchmark string
	Err       error
}

func (f *BenchmarkFault) Error() string {
	return fmt.Sprintf("benchmark %v fault: %v", f.Benchmark, f.Err)
}

func (f *BenchmarkFault) Unwrap() error {
	return f.Err
}

// Retryable reports whether a fetch attempt may be repeated. Integrity and
// auth failures are final: retrying them silently would mask corruption or
// hammer the store with bad credentials.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
