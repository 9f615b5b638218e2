// Package jobs runs background maintenance for the permission store on
// an Asynq queue.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/dylinzl/mlflow-auth/internal/jobs"
	"github.com/dylinzl/mlflow-auth/internal/store"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOrphanSweep removes grants whose user no longer exists.
	TaskOrphanSweep = "perm:sweep_orphans"
	// TaskModelCleanup removes every grant on one registered model.
	TaskModelCleanup = "perm:cleanup_model"
)

// ModelCleanupPayload names the registered model to scrub.
type ModelCleanupPayload struct {
	Name string `json:"name"`
}

// NewOrphanSweepTask constructs the sweep task. It carries no payload.
func NewOrphanSweepTask() *asynq.Task {
	return asynq.NewTask(TaskOrphanSweep, nil)
}

// NewModelCleanupTask constructs a cleanup task for one model.
func NewModelCleanupTask(payload ModelCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskModelCleanup, data), nil
}

// Tasks binds task handlers to the permission store.
type Tasks struct {
	store   store.Store
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewTasks constructs the handler set. metrics may be nil.
func NewTasks(st store.Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{store: st, logger: logger, metrics: metrics}
}

// HandleOrphanSweep deletes grants referencing deleted users. Users are
// normally deleted with their grants in one transaction; the sweep
// catches rows orphaned by out-of-band database edits.
func (t *Tasks) HandleOrphanSweep(ctx context.Context, task *asynq.Task) error {
	tracker := t.metrics.Track(TaskOrphanSweep)
	removed, err := t.store.SweepOrphanGrants(ctx)
	if err != nil {
		return tracker.End(err)
	}
	if removed > 0 {
		t.logger.Info("orphan grant sweep", slog.Int64("removed", removed))
	}
	return tracker.End(nil)
}

// HandleModelCleanup deletes every grant on a registered model. The
// delete hook runs this inline on the request path; the task exists for
// operators scrubbing models removed behind the proxy's back.
func (t *Tasks) HandleModelCleanup(ctx context.Context, task *asynq.Task) error {
	var payload ModelCleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Name == "" {
		return asynq.SkipRetry
	}
	tracker := t.metrics.Track(TaskModelCleanup)
	if err := t.store.DeleteRegisteredModelPermissionsForModel(ctx, payload.Name); err != nil {
		return tracker.End(err)
	}
	t.logger.Info("model grant cleanup", slog.String("name", payload.Name))
	return tracker.End(nil)
}
