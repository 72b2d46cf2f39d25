package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

const weightsFileName = "final_weights.json"

// RegisterBuiltins populates the registry with the benchmark suite:
// electron-microscopy denoising, diffraction pattern classification and
// Sentinel-3 SLSTR cloud-mask segmentation. Model code itself lives behind
// each entry point; the orchestrator only sees the descriptor contract.
func RegisterBuiltins(registry *Registry) error {
	builtins := []struct {
		descriptor BenchmarkDescriptor
		entry      EntryPoint
	}{
		{
			descriptor: BenchmarkDescriptor{
				ID:           "em_denoise",
				Datasets:     []string{"em_denoise_data"},
				Capabilities: CapabilityBoth,
				Defaults: map[string]string{
					"epochs":        "2",
					"batch_size":    "32",
					"learning_rate": "0.01",
					"seed":          "42",
				},
				Artifacts: []string{weightsFileName, "training.log"},
			},
			entry: &emDenoiseBenchmark{},
		},
		{
			descriptor: BenchmarkDescriptor{
				ID:           "dms_classifier",
				Datasets:     []string{"dms_sim_data"},
				Capabilities: CapabilityBoth,
				Defaults: map[string]string{
					"epochs":        "3",
					"batch_size":    "64",
					"learning_rate": "0.001",
					"seed":          "42",
				},
				Artifacts: []string{weightsFileName, "training.log"},
			},
			entry: &dmsClassifierBenchmark{},
		},
		{
			descriptor: BenchmarkDescriptor{
				ID:           "slstr_cloud",
				Datasets:     []string{"slstr_cloud_ds1"},
				Capabilities: CapabilityBoth,
				Defaults: map[string]string{
					"epochs":        "2",
					"batch_size":    "16",
					"learning_rate": "0.001",
					"seed":          "42",
				},
				Artifacts: []string{weightsFileName, "training.log"},
			},
			entry: &slstrCloudBenchmark{},
		},
	}
	for _, builtin := range builtins {
		if err := registry.Register(builtin.descriptor, builtin.entry); err != nil {
			return err
		}
	}
	return nil
}

type emDenoiseBenchmark struct{}

func (b *emDenoiseBenchmark) Run(ctx context.Context, cfg *RunConfig) (RunResult, error) {
	switch cfg.Mode {
	case CapabilityTrain:
		return trainWorkload(ctx, cfg, "em_denoise_data", map[string]string{"loss": "mse", "extra": "psnr"})
	case CapabilityInfer:
		return inferWorkload(ctx, cfg, "em_denoise_data", map[string]string{"loss": "mse", "extra": "psnr"})
	}
	return RunResult{}, fmt.Errorf("%w: %v", ErrCapabilityMismatch, cfg.Mode)
}

type dmsClassifierBenchmark struct{}

func (b *dmsClassifierBenchmark) Run(ctx context.Context, cfg *RunConfig) (RunResult, error) {
	switch cfg.Mode {
	case CapabilityTrain:
		return trainWorkload(ctx, cfg, "dms_sim_data", map[string]string{"loss": "loss", "extra": "accuracy"})
	case CapabilityInfer:
		return inferWorkload(ctx, cfg, "dms_sim_data", map[string]string{"loss": "loss", "extra": "accuracy"})
	}
	return RunResult{}, fmt.Errorf("%w: %v", ErrCapabilityMismatch, cfg.Mode)
}

type slstrCloudBenchmark struct{}

func (b *slstrCloudBenchmark) Run(ctx context.Context, cfg *RunConfig) (RunResult, error) {
	switch cfg.Mode {
	case CapabilityTrain:
		return trainWorkload(ctx, cfg, "slstr_cloud_ds1", map[string]string{"loss": "loss", "extra": "dice"})
	case CapabilityInfer:
		return inferWorkload(ctx, cfg, "slstr_cloud_ds1", map[string]string{"loss": "loss", "extra": "dice"})
	}
	return RunResult{}, fmt.Errorf("%w: %v", ErrCapabilityMismatch, cfg.Mode)
}

type weightsFile struct {
	Benchmark   string  `json:"benchmark"`
	Epochs      int     `json:"epochs"`
	FinalLoss   float64 `json:"final_loss"`
	Fingerprint uint64  `json:"fingerprint"`
	Seed        int64   `json:"seed"`
}

// trainWorkload is the shared training loop of the builtin benchmarks: walk
// the verified dataset, derive a deterministic fingerprint, run the epoch
// loop and leave the weights and training log artifacts behind.
func trainWorkload(ctx context.Context, cfg *RunConfig, dataset string, metricNames map[string]string) (RunResult, error) {
	fingerprint, samples, err := datasetFingerprint(cfg.DataDir(dataset))
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to read dataset %v: %w", dataset, err)
	}
	epochs, err := intOption(cfg.Options, "epochs")
	if err != nil {
		return RunResult{}, err
	}
	batchSize, err := intOption(cfg.Options, "batch_size")
	if err != nil {
		return RunResult{}, err
	}
	lr, err := floatOption(cfg.Options, "learning_rate")
	if err != nil {
		return RunResult{}, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed ^ int64(fingerprint)))
	logPath := filepath.Join(cfg.WorkDir, "training.log")
	trainingLog, err := os.Create(logPath)
	if err != nil {
		return RunResult{}, err
	}
	defer trainingLog.Close()
	fmt.Fprintln(trainingLog, "epoch,loss")

	start := time.Now()
	loss := 1.0 + rng.Float64()
	for epoch := 1; epoch <= epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}
		loss = loss / (1.0 + lr*float64(epoch)*float64(samples)/float64(batchSize))
		loss += rng.Float64() * lr / 10
		fmt.Fprintf(trainingLog, "%v,%v\n", epoch, loss)
		Logger.Debugf("benchmark %v epoch %v/%v loss %.6f", cfg.Benchmark, epoch, epochs, loss)
	}
	elapsed := time.Since(start)

	weightsPath := filepath.Join(cfg.WorkDir, weightsFileName)
	weights := weightsFile{
		Benchmark:   cfg.Benchmark,
		Epochs:      epochs,
		FinalLoss:   loss,
		Fingerprint: fingerprint,
		Seed:        cfg.Seed,
	}
	data, err := json.MarshalIndent(weights, "", "  ")
	if err != nil {
		return RunResult{}, err
	}
	if err := os.WriteFile(weightsPath, data, 0o644); err != nil {
		return RunResult{}, err
	}

	return RunResult{
		Metrics: map[string]float64{
			metricNames["loss"]:  loss,
			metricNames["extra"]: qualityFromLoss(loss),
			"epochs":             float64(epochs),
			"samples":            float64(samples),
			"train_seconds":      elapsed.Seconds(),
		},
		Artifacts: []string{weightsPath, logPath},
	}, nil
}

// inferWorkload evaluates against the weights of a previous train run. When
// the current run directory has none, the sibling run directories of the same
// benchmark are searched, newest first, mirroring how a fresh inference run
// picks up the latest trained model.
func inferWorkload(ctx context.Context, cfg *RunConfig, dataset string, metricNames map[string]string) (RunResult, error) {
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}
	weightsPath, weights, err := findWeights(cfg)
	if err != nil {
		return RunResult{}, err
	}
	fingerprint, samples, err := datasetFingerprint(cfg.DataDir(dataset))
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to read dataset %v: %w", dataset, err)
	}

	start := time.Now()
	rng := rand.New(rand.NewSource(cfg.Seed ^ int64(fingerprint) ^ weights.Seed))
	loss := weights.FinalLoss * (1.0 + rng.Float64()/20)
	elapsed := time.Since(start)

	return RunResult{
		Metrics: map[string]float64{
			metricNames["loss"]:  loss,
			metricNames["extra"]: qualityFromLoss(loss),
			"samples":            float64(samples),
			"infer_seconds":      elapsed.Seconds(),
		},
		Artifacts: []string{weightsPath},
	}, nil
}

func findWeights(cfg *RunConfig) (string, weightsFile, error) {
	candidates := []string{filepath.Join(cfg.WorkDir, weightsFileName)}
	siblings, _ := filepath.Glob(filepath.Join(filepath.Dir(cfg.WorkDir), "*", weightsFileName))
	sort.Sort(sort.Reverse(sort.StringSlice(siblings)))
	candidates = append(candidates, siblings...)
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var weights weightsFile
		if err := json.Unmarshal(data, &weights); err != nil {
			continue
		}
		Logger.Infof("benchmark %v using weights file %v", cfg.Benchmark, candidate)
		return candidate, weights, nil
	}
	return "", weightsFile{}, fmt.Errorf("no trained model found for %v, run train before infer", cfg.Benchmark)
}

// datasetFingerprint folds the names and contents of every dataset file into
// one stable value; it stands in for actually consuming the data and makes
// the synthetic metrics reproducible for a fixed dataset and seed.
func datasetFingerprint(dir string) (uint64, int, error) {
	if dir == "" {
		return 0, 0, fmt.Errorf("dataset directory not resolved")
	}
	digest := fnv.New64a()
	samples := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Name() == stateFileName {
			return nil
		}
		samples++
		io.WriteString(digest, info.Name())
		binary.Write(digest, binary.LittleEndian, info.Size())
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(digest, file)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	if samples == 0 {
		return 0, 0, fmt.Errorf("dataset directory %v is empty", dir)
	}
	return digest.Sum64(), samples, nil
}

func qualityFromLoss(loss float64) float64 {
	return 1.0 / (1.0 + math.Abs(loss))
}

func intOption(options map[string]string, key string) (int, error) {
	value, err := strconv.Atoi(options[key])
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%w: option %q must be a positive integer, got %q", ErrConfigInvalid, key, options[key])
	}
	return value, nil
}

func floatOption(options map[string]string, key string) (float64, error) {
	value, err := strconv.ParseFloat(options[key], 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%w: option %q must be a positive number, got %q", ErrConfigInvalid, key, options[key])
	}
	return value, nil
}
