package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/fiberbench/internal/config"
)

const RecordFile = "sweep.json"

func CreateRunDir(baseDir string) (string, error) {
	runsDir := filepath.Join(baseDir, "runs")
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000")
	runDir := filepath.Join(runsDir, stamp)
	runDir, err := filepath.Abs(runDir)
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

// NewRunRecord stamps a fresh record for a sweep about to start.
func NewRunRecord(worker string, labels []config.Label, processes, workloads config.Range) *RunRecord {
	return &RunRecord{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Worker:    worker,
		Labels:    labels,
		Processes: processes,
		Workloads: workloads,
	}
}

func WriteRunRecord(runDir string, rec *RunRecord) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run record: %w", err)
	}
	return os.WriteFile(filepath.Join(runDir, RecordFile), data, 0o644)
}

func ReadRunRecord(path string) (*RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run record: %w", err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing run record: %w", err)
	}
	if rec.Matrix == nil {
		return nil, fmt.Errorf("run record %s has no matrix", path)
	}
	return &rec, nil
}
