package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Capability uint8

const (
	CapabilityTrain Capability = 1 << iota
	CapabilityInfer

	CapabilityBoth = CapabilityTrain | CapabilityInfer
)

func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	switch c {
	case CapabilityTrain:
		return "train"
	case CapabilityInfer:
		return "infer"
	case CapabilityBoth:
		return "train|infer"
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

func ParseCapability(raw string) (Capability, error) {
	switch raw {
	case "train":
		return CapabilityTrain, nil
	case "infer", "predict":
		return CapabilityInfer, nil
	}
	return 0, fmt.Errorf("%w: unknown capability %q", ErrConfigInvalid, raw)
}

// RunConfig is the frozen per-run configuration handed to an entry point.
// It is owned by exactly one run and never mutated after the entry point
// starts executing.
type RunConfig struct {
	Benchmark string
	Mode      Capability
	Options   map[string]string
	WorkDir   string
	DataDirs  map[string]string
	Seed      int64
}

func (c *RunConfig) DataDir(dataset string) string {
	return c.DataDirs[dataset]
}

// RunResult is the uniform output contract of every entry point.
type RunResult struct {
	Metrics   map[string]float64
	Artifacts []string
}

// EntryPoint is the callable unit behind one benchmark, polymorphic over
// capability. The orchestrator treats it as opaque: it may consume arbitrary
// CPU/accelerator time and may fail in arbitrary ways.
type EntryPoint interface {
	Run(ctx context.Context, cfg *RunConfig) (RunResult, error)
}

// EntryPointFunc adapts a plain function to the EntryPoint interface.
type EntryPointFunc func(ctx context.Context, cfg *RunConfig) (RunResult, error)

func (f EntryPointFunc) Run(ctx context.Context, cfg *RunConfig) (RunResult, error) {
	return f(ctx, cfg)
}

// BenchmarkDescriptor declares a benchmark's resource contract: the datasets
// it depends on, the capabilities it implements, its default configuration
// and the artifacts it promises to leave behind.
type BenchmarkDescriptor struct {
	ID           string
	Datasets     []string
	Capabilities Capability
	Defaults     map[string]string
	Artifacts    []string
}

// Registry maps benchmark identifiers to descriptors and entry points. It is
// populated once at process start and read-only afterwards; duplicate
// registration is rejected so nothing can silently shadow a benchmark.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

type registration struct {
	descriptor BenchmarkDescriptor
	entry      EntryPoint
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

func (r *Registry) Register(descriptor BenchmarkDescriptor, entry EntryPoint) error {
	if descriptor.ID == "" {
		return fmt.Errorf("%w: descriptor has empty identifier", ErrConfigInvalid)
	}
	if len(descriptor.Datasets) == 0 {
		return fmt.Errorf("%w: benchmark %v declares no datasets", ErrConfigInvalid, descriptor.ID)
	}
	if entry == nil {
		return fmt.Errorf("%w: benchmark %v has no entry point", ErrConfigInvalid, descriptor.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[descriptor.ID]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateBenchmark, descriptor.ID)
	}
	r.entries[descriptor.ID] = registration{descriptor: descriptor, entry: entry}
	return nil
}

func (r *Registry) Resolve(id string) (BenchmarkDescriptor, EntryPoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[id]
	if !ok {
		return BenchmarkDescriptor{}, nil, fmt.Errorf("%w: %v", ErrUnknownBenchmark, id)
	}
	return reg.descriptor, reg.entry, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
