// Package runstate records run summaries and keeps a bounded run history on
// disk for operators.
package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbrd/green-home-search/internal/metrics"
)

// Status of a run
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run operations
const (
	OperationBuildProperties = "build-properties"
	OperationIngestListings  = "ingest-listings"
	OperationGenerate        = "generate-listings"
	OperationRepoint         = "repoint"
	OperationSweep           = "sweep"
	OperationLoad            = "load-certificates"
)

// maxRunErrors bounds the error samples kept per run
const maxRunErrors = 50

// Run is the summary of one indexing run
type Run struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	Target     string    `json:"target"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Status     Status    `json:"status"`
	Processed  int64     `json:"processed"`
	Succeeded  int64     `json:"succeeded"`
	Failed     int64     `json:"failed"`
	Skipped    int64     `json:"skipped"`
	Rejected   int64     `json:"rejected"`
	Aborted    int64     `json:"aborted"`
	Errors     []string  `json:"errors,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NewRun starts a run summary
func NewRun(operation, target string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Operation: operation,
		Target:    target,
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	}
}

// AddError keeps an error sample, up to a fixed bound
func (r *Run) AddError(format string, args ...interface{}) {
	if len(r.Errors) >= maxRunErrors {
		return
	}
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Finish closes the run. Cancellation ends it as cancelled, any other error
// as failed.
func (r *Run) Finish(err error) {
	r.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		r.Status = StatusSucceeded
	case errors.Is(err, context.Canceled):
		r.Status = StatusCancelled
		r.Error = err.Error()
	default:
		r.Status = StatusFailed
		r.Error = err.Error()
	}

	metrics.RunDuration.WithLabelValues(r.Operation, string(r.Status)).Observe(r.Duration().Seconds())
}

// Duration of the run, up to now while it is running
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Run) String() string {
	summary := fmt.Sprintf("%s %s on %s: %s in %v, processed=%d succeeded=%d failed=%d skipped=%d rejected=%d aborted=%d",
		r.Operation, r.ID, r.Target, r.Status, r.Duration().Round(time.Millisecond),
		r.Processed, r.Succeeded, r.Failed, r.Skipped, r.Rejected, r.Aborted)
	if r.Error != "" {
		summary += ": " + r.Error
	}
	return summary
}

// History is the persisted run log
type History struct {
	Runs      []Run     `json:"runs"`
	LastSaved time.Time `json:"lastSaved"`
}

// StateManager handles loading and saving the run history. It is an operator
// log only: builds never resume from it.
type StateManager struct {
	filePath string
	limit    int
	history  *History
	mutex    sync.RWMutex
}

// NewStateManager creates a run history kept at filePath, holding at most
// limit runs. An empty path keeps the history in memory.
func NewStateManager(filePath string, limit int) *StateManager {
	if limit <= 0 {
		limit = 50
	}
	return &StateManager{
		filePath: filePath,
		limit:    limit,
		history:  &History{},
	}
}

// Load loads the run history from disk
func (sm *StateManager) Load() error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(sm.filePath)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Run state file not found, starting fresh: %s", sm.filePath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read run state file: %w", err)
	}

	history := &History{}
	if err := json.Unmarshal(data, history); err != nil {
		return fmt.Errorf("failed to parse run state file: %w", err)
	}
	sm.history = history
	sm.trim()

	log.Printf("Loaded %d runs from %s", len(sm.history.Runs), sm.filePath)
	return nil
}

// Save writes the run history to disk atomically
func (sm *StateManager) Save() error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.save()
}

func (sm *StateManager) save() error {
	if sm.filePath == "" {
		return nil
	}

	sm.history.LastSaved = time.Now().UTC()

	data, err := json.MarshalIndent(sm.history, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	// Write to temporary file first
	tempFile := sm.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp run state file: %w", err)
	}

	// Atomic move
	if err := os.Rename(tempFile, sm.filePath); err != nil {
		return fmt.Errorf("failed to move run state file: %w", err)
	}
	return nil
}

// Record appends a copy of run to the history and saves it
func (sm *StateManager) Record(run *Run) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	entry := *run
	entry.Errors = append([]string(nil), run.Errors...)
	sm.history.Runs = append(sm.history.Runs, entry)
	sm.trim()

	return sm.save()
}

func (sm *StateManager) trim() {
	if extra := len(sm.history.Runs) - sm.limit; extra > 0 {
		sm.history.Runs = append([]Run(nil), sm.history.Runs[extra:]...)
	}
}

// Runs returns the history, newest first
func (sm *StateManager) Runs() []Run {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	runs := make([]Run, 0, len(sm.history.Runs))
	for i := len(sm.history.Runs) - 1; i >= 0; i-- {
		runs = append(runs, sm.history.Runs[i])
	}
	return runs
}

// LastRun returns the most recent run of an operation
func (sm *StateManager) LastRun(operation string) (*Run, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	for i := len(sm.history.Runs) - 1; i >= 0; i-- {
		if sm.history.Runs[i].Operation == operation {
			run := sm.history.Runs[i]
			return &run, true
		}
	}
	return nil, false
}
