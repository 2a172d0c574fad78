package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/forPelevin/clipper/internal/types"
)

type jobRecord struct {
	ID      string           `gorm:"primaryKey;size:26"`
	Source  string           `gorm:"size:1024;not null"`
	StartNs int64            `gorm:"not null"`
	EndNs   int64            `gorm:"not null"`
	Quality string           `gorm:"size:16;not null"`
	Format  string           `gorm:"size:8;not null"`
	Edits   types.EditParams `gorm:"serializer:json"`

	Status     string `gorm:"size:16;not null;index"`
	Stage      string `gorm:"size:32"`
	Progress   float64
	OutputPath string `gorm:"size:1024"`
	OutputSize int64
	Error      string `gorm:"size:1024"`

	Narration      string `gorm:"size:32"`
	NarrationPath  string `gorm:"size:1024"`
	NarrationSize  int64
	NarrationError string `gorm:"size:1024"`

	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (jobRecord) TableName() string { return "clip_jobs" }

func toRecord(j types.Job) jobRecord {
	return jobRecord{
		ID:             j.ID,
		Source:         j.Spec.Source,
		StartNs:        int64(j.Spec.Range.Start),
		EndNs:          int64(j.Spec.Range.End),
		Quality:        string(j.Spec.Quality),
		Format:         string(j.Spec.Format),
		Edits:          j.Spec.Edits,
		Status:         string(j.Status),
		Stage:          string(j.Stage),
		Progress:       j.Progress,
		OutputPath:     j.OutputPath,
		OutputSize:     j.OutputSize,
		Error:          j.Error,
		Narration:      string(j.Narration),
		NarrationPath:  j.NarrationPath,
		NarrationSize:  j.NarrationSize,
		NarrationError: j.NarrationError,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
	}
}

func (r jobRecord) toJob() types.Job {
	return types.Job{
		ID: r.ID,
		Spec: types.JobSpec{
			Source:  r.Source,
			Range:   types.TimeRange{Start: time.Duration(r.StartNs), End: time.Duration(r.EndNs)},
			Quality: types.Quality(r.Quality),
			Format:  types.Format(r.Format),
			Edits:   r.Edits,
		},
		Status:         types.JobStatus(r.Status),
		Stage:          types.StageKind(r.Stage),
		Progress:       r.Progress,
		OutputPath:     r.OutputPath,
		OutputSize:     r.OutputSize,
		Error:          r.Error,
		Narration:      types.NarrationStatus(r.Narration),
		NarrationPath:  r.NarrationPath,
		NarrationSize:  r.NarrationSize,
		NarrationError: r.NarrationError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

// GormStore persists jobs so they survive restarts.
type GormStore struct {
	db    *gorm.DB
	locks sync.Map
	now   func() time.Time
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

func (s *GormStore) Create(ctx context.Context, spec types.JobSpec) (types.Job, error) {
	j := newJob(spec, s.now().UTC())
	rec := toRecord(j)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return types.Job{}, fmt.Errorf("create job: %w", err)
	}
	return rec.toJob(), nil
}

func (s *GormStore) Get(ctx context.Context, id string) (types.Job, error) {
	rec, err := s.find(s.db.WithContext(ctx), id)
	if err != nil {
		return types.Job{}, err
	}
	return rec.toJob(), nil
}

func (s *GormStore) List(ctx context.Context) ([]types.Job, error) {
	var recs []jobRecord
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]types.Job, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toJob())
	}
	return out, nil
}

func (s *GormStore) SetStatus(ctx context.Context, id string, u StatusUpdate) (types.Job, error) {
	return s.update(ctx, id, func(j *types.Job) error { return applyStatus(j, u, s.now().UTC()) })
}

func (s *GormStore) SetNarration(ctx context.Context, id string, u NarrationUpdate) (types.Job, error) {
	return s.update(ctx, id, func(j *types.Job) error { return applyNarration(j, u, s.now().UTC()) })
}

// update runs a read-modify-write under the per-job lock.
func (s *GormStore) update(ctx context.Context, id string, mutate func(*types.Job) error) (types.Job, error) {
	unlock := s.lock(id)
	defer unlock()

	var out types.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.find(tx, id)
		if err != nil {
			return err
		}
		j := rec.toJob()
		out = j
		if err := mutate(&j); err != nil {
			return err
		}
		next := toRecord(j)
		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("save job %s: %w", id, err)
		}
		out = next.toJob()
		return nil
	})
	return out, err
}

func (s *GormStore) find(db *gorm.DB, id string) (jobRecord, error) {
	var rec jobRecord
	err := db.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return jobRecord{}, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if err != nil {
		return jobRecord{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return rec, nil
}

func (s *GormStore) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
