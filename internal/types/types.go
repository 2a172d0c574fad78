package types

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Rank orders statuses for the monotonic lifecycle. Terminal statuses share a rank.
func (s JobStatus) Rank() int {
	switch s {
	case JobPending:
		return 0
	case JobRunning:
		return 1
	case JobCompleted, JobFailed, JobCancelled:
		return 2
	default:
		return -1
	}
}

func (s JobStatus) IsTerminal() bool { return s.Rank() == 2 }

func (s JobStatus) Valid() bool { return s.Rank() >= 0 }

type NarrationStatus string

const (
	NarrationNone    NarrationStatus = ""
	NarrationPending NarrationStatus = "narration_pending"
	NarrationRunning NarrationStatus = "narration_running"
	NarrationDone    NarrationStatus = "narration_done"
	NarrationFailed  NarrationStatus = "narration_failed"
)

func (s NarrationStatus) Rank() int {
	switch s {
	case NarrationNone:
		return 0
	case NarrationPending:
		return 1
	case NarrationRunning:
		return 2
	case NarrationDone, NarrationFailed:
		return 3
	default:
		return -1
	}
}

func (s NarrationStatus) IsTerminal() bool { return s.Rank() == 3 }

type StageKind string

const (
	StageExtract      StageKind = "extract"
	StageCorrect      StageKind = "correct"
	StageWatermark    StageKind = "watermark"
	StageFiller       StageKind = "filler"
	StageNarrationMux StageKind = "narration_mux"
)

// State is the pipeline state name shown to pollers while the stage runs.
func (k StageKind) State() string {
	switch k {
	case StageExtract:
		return "extracting"
	case StageCorrect:
		return "correcting"
	case StageWatermark:
		return "compositing_watermark"
	case StageFiller:
		return "compositing_filler"
	case StageNarrationMux:
		return "muxing_narration"
	default:
		return string(k)
	}
}

type Quality string

const (
	QualitySource Quality = "source"
	Quality1080p  Quality = "1080p"
	Quality720p   Quality = "720p"
	Quality480p   Quality = "480p"
	Quality360p   Quality = "360p"
)

func (q Quality) Valid() bool {
	switch q {
	case QualitySource, Quality1080p, Quality720p, Quality480p, Quality360p:
		return true
	}
	return false
}

type Format string

const (
	FormatMP4  Format = "mp4"
	FormatMOV  Format = "mov"
	FormatWebM Format = "webm"
)

func (f Format) Valid() bool {
	switch f {
	case FormatMP4, FormatMOV, FormatWebM:
		return true
	}
	return false
}

func (f Format) Ext() string { return "." + string(f) }

type TimeRange struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

func (r TimeRange) Duration() time.Duration { return r.End - r.Start }

// Validate checks the shape of the range. The upper bound against the source
// duration is only known after the source has been probed.
func (r TimeRange) Validate() error {
	if r.Start < 0 {
		return fmt.Errorf("%w: range start %s is negative", ErrInvalidParameters, r.Start)
	}
	if r.End <= r.Start {
		return fmt.Errorf("%w: range end %s must be after start %s", ErrInvalidParameters, r.End, r.Start)
	}
	return nil
}

func (r TimeRange) String() string { return fmt.Sprintf("%s-%s", r.Start, r.End) }

type JobSpec struct {
	Source  string     `json:"source"`
	Range   TimeRange  `json:"range"`
	Quality Quality    `json:"quality"`
	Format  Format     `json:"format"`
	Edits   EditParams `json:"edits"`
}

func (s JobSpec) Validate() error {
	if s.Source == "" {
		return fmt.Errorf("%w: source reference is required", ErrInvalidParameters)
	}
	if err := s.Range.Validate(); err != nil {
		return err
	}
	if !s.Quality.Valid() {
		return fmt.Errorf("%w: unsupported quality %q", ErrInvalidParameters, s.Quality)
	}
	if !s.Format.Valid() {
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidParameters, s.Format)
	}
	return s.Edits.Validate()
}

// IndeterminateProgress marks a stage whose completion fraction is unknown.
const IndeterminateProgress = -1

type Job struct {
	ID     string    `json:"id"`
	Spec   JobSpec   `json:"spec"`
	Status JobStatus `json:"status"`
	Stage  StageKind `json:"stage,omitempty"`
	// Progress is 0-100 within the current stage, or IndeterminateProgress.
	Progress   float64 `json:"progress"`
	OutputPath string  `json:"output_path,omitempty"`
	OutputSize int64   `json:"output_size,omitempty"`
	Error      string  `json:"error,omitempty"`

	Narration      NarrationStatus `json:"narration,omitempty"`
	NarrationPath  string          `json:"narration_path,omitempty"`
	NarrationSize  int64           `json:"narration_size,omitempty"`
	NarrationError string          `json:"narration_error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Progress struct {
	Stage         StageKind
	Percent       float64
	Indeterminate bool
}

// Value folds the progress into the single number stored on a job.
func (p Progress) Value() float64 {
	if p.Indeterminate {
		return IndeterminateProgress
	}
	return p.Percent
}

// Artifact is a file produced by a transcode or promoted as a job result.
type Artifact struct {
	Path string
	Size int64
}
