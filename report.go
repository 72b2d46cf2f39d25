package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

type RunStatus string

const (
	RunSucceeded          RunStatus = "succeeded"
	RunFailed             RunStatus = "failed"
	RunDatasetUnavailable RunStatus = "dataset_unavailable"
	RunConfigInvalid      RunStatus = "config_invalid"
)

// RunReport is the structured record of one execution. Every run produces
// exactly one, always in a terminal status; it is immutable once written.
type RunReport struct {
	ID        string             `json:"id"`
	Benchmark string             `json:"benchmark"`
	Mode      string             `json:"mode"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
	Status    RunStatus          `json:"status"`
	Options   map[string]string  `json:"options"`
	Datasets  map[string]string  `json:"datasets"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Artifacts []string           `json:"artifacts,omitempty"`
	Host      SysInfo            `json:"host"`
	Error     string             `json:"error,omitempty"`
}

func (r *RunReport) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Write persists the report as report.json inside dir and returns its path.
func (r *RunReport) Write(dir string) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, "report.json")
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", err
	}
	return target, nil
}

// ExitCode maps the terminal status onto the collaborator CLI contract.
func (r *RunReport) ExitCode() int {
	switch r.Status {
	case RunSucceeded:
		return 0
	case RunDatasetUnavailable:
		return 2
	case RunConfigInvalid:
		return 3
	}
	return 4
}
