// Package jobstore keeps the authoritative record of every job. All status
// changes go through SetStatus and SetNarration, which enforce the monotonic
// lifecycle and serialize updates per job.
package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forPelevin/clipper/internal/types"
)

type Store interface {
	Create(ctx context.Context, spec types.JobSpec) (types.Job, error)
	Get(ctx context.Context, id string) (types.Job, error)
	List(ctx context.Context) ([]types.Job, error)
	SetStatus(ctx context.Context, id string, u StatusUpdate) (types.Job, error)
	SetNarration(ctx context.Context, id string, u NarrationUpdate) (types.Job, error)
}

type StatusUpdate struct {
	Status     types.JobStatus
	Stage      types.StageKind
	Progress   float64
	OutputPath string
	OutputSize int64
	Error      string
}

type NarrationUpdate struct {
	Status     types.NarrationStatus
	OutputPath string
	OutputSize int64
	Error      string
}

func newID() string { return ulid.Make().String() }

func newJob(spec types.JobSpec, now time.Time) types.Job {
	return types.Job{
		ID:        newID(),
		Spec:      spec,
		Status:    types.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// applyStatus mutates j according to u or reports why the transition is not allowed.
func applyStatus(j *types.Job, u StatusUpdate, now time.Time) error {
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", types.ErrInvalidTransition, u.Status)
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", types.ErrInvalidTransition, j.ID, j.Status)
	}
	if u.Status.Rank() < j.Status.Rank() {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, j.Status, u.Status)
	}
	if (u.Status == types.JobCompleted) != (u.OutputPath != "") {
		return fmt.Errorf("%w: output path is set exactly when completed", types.ErrInvalidTransition)
	}

	j.Status = u.Status
	if u.Stage != "" {
		j.Stage = u.Stage
	}
	j.Progress = u.Progress
	switch u.Status {
	case types.JobRunning:
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
	case types.JobCompleted:
		j.OutputPath, j.OutputSize = u.OutputPath, u.OutputSize
		j.Progress = 100
	case types.JobFailed, types.JobCancelled:
		j.Error = u.Error
	}
	if u.Status.IsTerminal() {
		t := now
		j.FinishedAt = &t
	}
	j.UpdatedAt = now
	return nil
}

func applyNarration(j *types.Job, u NarrationUpdate, now time.Time) error {
	if j.Status != types.JobCompleted {
		return fmt.Errorf("%w: job %s is %s", types.ErrNarrationConflict, j.ID, j.Status)
	}
	if u.Status.Rank() <= 0 {
		return fmt.Errorf("%w: unknown narration status %q", types.ErrInvalidTransition, u.Status)
	}
	if j.Narration.IsTerminal() || u.Status.Rank() <= j.Narration.Rank() {
		return fmt.Errorf("%w: narration %q -> %q", types.ErrInvalidTransition, j.Narration, u.Status)
	}
	if (u.Status == types.NarrationDone) != (u.OutputPath != "") {
		return fmt.Errorf("%w: narration path is set exactly when done", types.ErrInvalidTransition)
	}

	j.Narration = u.Status
	switch u.Status {
	case types.NarrationDone:
		j.NarrationPath, j.NarrationSize = u.OutputPath, u.OutputSize
	case types.NarrationFailed:
		j.NarrationError = u.Error
	}
	j.UpdatedAt = now
	return nil
}
