// Package registry implements the Pipeline Registry (spec.md §4.8): a
// static id-to-display-name table plus status composition derived from
// the Job Store's aggregates.
package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alephauto/alephauto/internal/domain"
	"gopkg.in/yaml.v3"
)

// JobCounter is the subset of the Job Store the Registry needs.
type JobCounter interface {
	ListPipelineIDs(ctx context.Context) ([]string, error)
	CountByStatus(ctx context.Context, pipelineID string) (map[domain.Status]int64, error)
	LastJob(ctx context.Context, pipelineID string) (*domain.Job, error)
}

// defaultNames are the stable pipeline identifiers shipped with this
// deployment (spec.md §4.8 example set).
var defaultNames = map[string]string{
	"repomix":             "Repomix",
	"duplicate-detection": "Duplicate Detection",
	"gitignore-manager":   "Gitignore Manager",
}

// Registry looks up display names and composes pipeline status summaries.
type Registry struct {
	names map[string]string
	store JobCounter
}

// New creates a Registry backed by store. overrides, if non-nil, is
// merged over the built-in name table (e.g. loaded from YAML config).
func New(store JobCounter, overrides map[string]string) *Registry {
	names := make(map[string]string, len(defaultNames)+len(overrides))
	for id, name := range defaultNames {
		names[id] = name
	}
	for id, name := range overrides {
		names[id] = name
	}
	return &Registry{names: names, store: store}
}

// GetName returns the display name for pipelineID, or pipelineID itself
// if unknown.
func (r *Registry) GetName(pipelineID string) string {
	if name, ok := r.names[pipelineID]; ok {
		return name
	}
	return pipelineID
}

// LoadOverrides reads a pipeline-id-to-display-name map from a YAML file,
// letting a deployment rename or add pipelines without a code change. A
// missing path is not an error: New simply falls back to defaultNames.
func LoadOverrides(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read overrides: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("registry: parse overrides: %w", err)
	}
	return overrides, nil
}

// Status is one entry in ComposeStatus's result (spec.md §4.8).
type Status struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	CompletedJobs  int64      `json:"completed_jobs"`
	FailedJobs     int64      `json:"failed_jobs"`
	LastRun        *time.Time `json:"last_run"`
	NextRun        *time.Time `json:"next_run"`
}

// ComposeStatus builds a status summary for every pipeline the Job Store
// has ever seen. next_run is always nil: the Scheduler does not currently
// expose its next firing time (spec.md §4.8, §9 open question).
func (r *Registry) ComposeStatus(ctx context.Context) ([]Status, error) {
	ids, err := r.store.ListPipelineIDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		counts, err := r.store.CountByStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		last, err := r.store.LastJob(ctx, id)
		if err != nil {
			return nil, err
		}

		completed := counts[domain.StatusCompleted]
		failed := counts[domain.StatusFailed]
		running := counts[domain.StatusRunning]

		entry := Status{
			ID:            id,
			Name:          r.GetName(id),
			CompletedJobs: completed,
			FailedJobs:    failed,
			Status:        deriveStatus(running, failed, completed, last),
		}
		if last != nil && last.CompletedAt != nil {
			entry.LastRun = last.CompletedAt
		}
		out = append(out, entry)
	}
	return out, nil
}

// deriveStatus implements spec.md §8 property 8: running iff any job is
// running; failing iff the most recent job is failed and failed counts
// are at least as many as completed; else idle.
func deriveStatus(running, failed, completed int64, last *domain.Job) string {
	if running > 0 {
		return "running"
	}
	if last != nil && last.Status == domain.StatusFailed && failed >= completed {
		return "failing"
	}
	return "idle"
}
