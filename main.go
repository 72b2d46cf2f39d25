package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
)

type configFlags map[string]string

func (f configFlags) String() string {
	pairs := make([]string, 0, len(f))
	for key, value := range f {
		pairs = append(pairs, key+"="+value)
	}
	return strings.Join(pairs, ",")
}

func (f configFlags) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	f[key] = value
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: scibench <command> [arguments]

commands:
  list                          list registered benchmarks and store datasets
  download <dataset> [dest]     fetch and verify a dataset into the cache
  run <benchmark> [flags]       execute a benchmark
      --mode train|infer        capability to run (default train)
      --config key=value        override a descriptor default (repeatable)
      --workdir dir             run directory (default under run output root)
`)
	os.Exit(1)
}

func main() {
	godotenv.Load()
	cfg, err := LoadConfig(StringEnv("SCIBENCH_CONFIG", "scibench.toml"))
	if err != nil {
		Logger.Fatalf("failed to load config: %v", err)
	}

	registry := NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		Logger.Fatalf("failed to register benchmarks: %v", err)
	}
	store := NewStoreClient(cfg)
	cache := NewDatasetCache(cfg.Cache.Root)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "list":
		runList(ctx, registry, cache, store)
	case "download":
		runDownload(ctx, cache, store, os.Args[2:])
	case "run":
		runBenchmark(ctx, cfg, registry, cache, store, os.Args[2:])
	default:
		usage()
	}
}

func runList(ctx context.Context, registry *Registry, cache *DatasetCache, store *StoreClient) {
	fmt.Println("benchmarks:")
	for _, name := range registry.Names() {
		descriptor, _, _ := registry.Resolve(name)
		fmt.Printf("  %v  datasets=%v  capabilities=%v\n", name, descriptor.Datasets, descriptor.Capabilities)
	}
	manifests, err := store.ListDatasets(ctx)
	if err != nil {
		Logger.Errorf("failed to list store datasets: %v", err)
		return
	}
	fmt.Println("datasets:")
	for _, manifest := range manifests {
		state := cache.Status(manifest.Name)
		fmt.Printf("  %v  version=%v  files=%v  bytes=%v  local=%v\n",
			manifest.Name, manifest.Version, len(manifest.Files), manifest.TotalSize(), state.Status)
	}
}

func runDownload(ctx context.Context, cache *DatasetCache, store *StoreClient, args []string) {
	if len(args) < 1 {
		usage()
	}
	if len(args) > 1 {
		cache = NewDatasetCache(args[1])
	}
	state, err := cache.Ensure(ctx, args[0], store)
	if err != nil {
		Logger.Errorf("download failed: %v", err)
		os.Exit(2)
	}
	Logger.Infof("dataset %v is %v at %v", state.Name, state.Status, state.Root)
}

func runBenchmark(ctx context.Context, cfg Config, registry *Registry, cache *DatasetCache, store *StoreClient, args []string) {
	if len(args) < 1 {
		usage()
	}
	benchmark := args[0]

	flags := flag.NewFlagSet("run", flag.ExitOnError)
	mode := flags.String("mode", "train", "capability to run (train or infer)")
	workDir := flags.String("workdir", "", "run directory")
	overrides := make(configFlags)
	flags.Var(overrides, "config", "override a descriptor default, key=value")
	if err := flags.Parse(args[1:]); err != nil {
		usage()
	}

	capability, err := ParseCapability(*mode)
	if err != nil {
		Logger.Errorf("%v", err)
		os.Exit(3)
	}

	orchestrator := NewOrchestrator(registry, cache, store, cfg)
	report, err := orchestrator.Run(ctx, benchmark, capability, overrides, *workDir)
	if err != nil {
		Logger.Errorf("run rejected: %v", err)
		os.Exit(1)
	}

	publishReport(cfg, report)

	Logger.Infof("run %v: status=%v duration=%v", report.ID, report.Status, report.Duration())
	for name, value := range report.Metrics {
		fmt.Printf("%v=%v\n", name, value)
	}
	os.Exit(report.ExitCode())
}

func publishReport(cfg Config, report RunReport) {
	reportStore := NewReportStore(cfg)
	if reportStore == nil {
		return
	}
	db, err := reportStore.Connect()
	if err != nil {
		Logger.Errorf("failed to connect to results database: %v", err)
		return
	}
	defer db.Close()
	if err := reportStore.Init(db, report.Host); err != nil {
		Logger.Errorf("failed to initialize results database: %v", err)
		return
	}
	if err := reportStore.Publish(db, report); err != nil {
		Logger.Errorf("failed to publish report %v: %v", report.ID, err)
		return
	}
	Logger.Infof("published report %v to %v", report.ID, reportStore.Database)
}
