package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/forPelevin/clipper/internal/orchestrator"
	"github.com/forPelevin/clipper/internal/types"
)

// JobHandler handles the job endpoints.
type JobHandler struct {
	svc    Service
	logger *zap.Logger
}

func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submitJob",
		Method:        http.MethodPost,
		Path:          "/api/v1/jobs",
		Summary:       "Submit job",
		Description:   "Validates the request and starts a clip job in the background",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, h.Submit)

	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns the status, stage and progress of a job",
		Tags:        []string{"Jobs"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID:   "cancelJob",
		Method:        http.MethodPost,
		Path:          "/api/v1/jobs/{id}/cancel",
		Summary:       "Cancel job",
		Description:   "Cancels a pending or running job, or a running narration",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID:   "narrateJob",
		Method:        http.MethodPost,
		Path:          "/api/v1/jobs/{id}/narration",
		Summary:       "Add narration",
		Description:   "Muxes a synthesized narration onto a completed job's artifact",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, h.Narrate)
}

type EditsBody struct {
	Zoom            *float64 `json:"zoom,omitempty" doc:"Zoom factor, 1 keeps the frame"`
	CropX           int      `json:"crop_x,omitempty" doc:"Horizontal offset of the crop window in pixels"`
	CropY           int      `json:"crop_y,omitempty" doc:"Vertical offset of the crop window in pixels"`
	Brightness      *float64 `json:"brightness,omitempty"`
	Contrast        *float64 `json:"contrast,omitempty"`
	Saturation      *float64 `json:"saturation,omitempty"`
	Aspect          string   `json:"aspect,omitempty" doc:"Target aspect ratio such as 9:16, or source"`
	Watermark       string   `json:"watermark,omitempty" doc:"Watermark image reference"`
	Filler          bool     `json:"filler,omitempty" doc:"Composite filler footage into the bottom third"`
	NarrationScript string   `json:"narration_script,omitempty"`
}

func (e *EditsBody) params() types.EditParams {
	p := types.DefaultEdits()
	if e == nil {
		return p
	}
	if e.Zoom != nil {
		p.Zoom = *e.Zoom
	}
	if e.Brightness != nil {
		p.Brightness = *e.Brightness
	}
	if e.Contrast != nil {
		p.Contrast = *e.Contrast
	}
	if e.Saturation != nil {
		p.Saturation = *e.Saturation
	}
	if e.Aspect != "" {
		p.Aspect = types.AspectRatio(e.Aspect)
	}
	p.CropX, p.CropY = e.CropX, e.CropY
	p.Watermark = e.Watermark
	p.Filler = e.Filler
	p.NarrationScript = e.NarrationScript
	return p
}

type SubmitJobInput struct {
	Body struct {
		Source  string     `json:"source" minLength:"1" doc:"Source video reference"`
		Start   float64    `json:"start,omitempty" doc:"Range start in seconds"`
		End     float64    `json:"end" doc:"Range end in seconds"`
		Quality string     `json:"quality,omitempty" doc:"source, 1080p, 720p, 480p or 360p"`
		Format  string     `json:"format,omitempty" doc:"mp4, mov or webm"`
		Edits   *EditsBody `json:"edits,omitempty"`
	}
}

type JobOutput struct {
	Body JobResponse
}

func (h *JobHandler) Submit(ctx context.Context, in *SubmitJobInput) (*JobOutput, error) {
	b := in.Body
	spec := types.JobSpec{
		Source:  b.Source,
		Range:   types.TimeRange{Start: seconds(b.Start), End: seconds(b.End)},
		Quality: types.Quality(b.Quality),
		Format:  types.Format(b.Format),
		Edits:   b.Edits.params(),
	}
	if spec.Quality == "" {
		spec.Quality = types.QualitySource
	}
	if spec.Format == "" {
		spec.Format = types.FormatMP4
	}

	job, err := h.svc.Submit(ctx, spec)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &JobOutput{Body: JobFromModel(job)}, nil
}

type ListJobsOutput struct {
	Body struct {
		Jobs []JobResponse `json:"jobs"`
	}
}

func (h *JobHandler) List(ctx context.Context, _ *struct{}) (*ListJobsOutput, error) {
	jobs, err := h.svc.List(ctx)
	if err != nil {
		return nil, toHumaError(err)
	}
	out := &ListJobsOutput{}
	out.Body.Jobs = make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out.Body.Jobs = append(out.Body.Jobs, JobFromModel(j))
	}
	return out, nil
}

type JobIDInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

func (h *JobHandler) Get(ctx context.Context, in *JobIDInput) (*JobOutput, error) {
	job, err := h.svc.Get(ctx, in.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &JobOutput{Body: JobFromModel(job)}, nil
}

func (h *JobHandler) Cancel(ctx context.Context, in *JobIDInput) (*JobOutput, error) {
	job, err := h.svc.Cancel(ctx, in.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &JobOutput{Body: JobFromModel(job)}, nil
}

type NarrateInput struct {
	ID   string `path:"id" doc:"Job ID (ULID)"`
	Body struct {
		Script string `json:"script" minLength:"1" doc:"Text to synthesize"`
	}
}

func (h *JobHandler) Narrate(ctx context.Context, in *NarrateInput) (*JobOutput, error) {
	job, err := h.svc.Narrate(ctx, in.ID, in.Body.Script)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &JobOutput{Body: JobFromModel(job)}, nil
}

// ServeArtifact streams the published file of a completed job. Set
// ?narration=true to prefer the narrated variant.
func (h *JobHandler) ServeArtifact(w http.ResponseWriter, r *http.Request) {
	narrated := false
	if v := r.URL.Query().Get("narration"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, huma.Error400BadRequest("narration must be a boolean"))
			return
		}
		narrated = b
	}

	art, err := h.svc.Artifact(r.Context(), chi.URLParam(r, "id"), narrated)
	if err != nil {
		writeError(w, toHumaError(err))
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		h.logger.Error("open artifact", zap.String("path", art.Path), zap.Error(err))
		writeError(w, huma.Error500InternalServerError("artifact is missing"))
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		writeError(w, huma.Error500InternalServerError("artifact is unreadable"))
		return
	}

	name := filepath.Base(art.Path)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var se huma.StatusError
	if errors.As(err, &se) {
		status = se.GetStatus()
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func toHumaError(err error) error {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, types.ErrInvalidParameters):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, types.ErrNotCancellable),
		errors.Is(err, types.ErrNarrationConflict),
		errors.Is(err, types.ErrNotReady):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, orchestrator.ErrClosed):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error500InternalServerError("internal error", err)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// JobResponse is the API view of a job. Local file paths are not exposed.
type JobResponse struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Stage    string  `json:"stage,omitempty"`
	State    string  `json:"state" doc:"Fine-grained state such as extracting or compositing_watermark"`
	Progress float64 `json:"progress" doc:"0-100 within the current stage, -1 when unknown"`
	Error    string  `json:"error,omitempty"`

	Source  string  `json:"source"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Quality string  `json:"quality"`
	Format  string  `json:"format"`

	OutputSize  int64  `json:"output_size,omitempty"`
	ArtifactURL string `json:"artifact_url,omitempty"`

	Narration      string `json:"narration,omitempty"`
	NarrationSize  int64  `json:"narration_size,omitempty"`
	NarrationError string `json:"narration_error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func JobFromModel(j types.Job) JobResponse {
	r := JobResponse{
		ID:             j.ID,
		Status:         string(j.Status),
		Stage:          string(j.Stage),
		State:          string(j.Status),
		Progress:       j.Progress,
		Error:          j.Error,
		Source:         j.Spec.Source,
		Start:          j.Spec.Range.Start.Seconds(),
		End:            j.Spec.Range.End.Seconds(),
		Quality:        string(j.Spec.Quality),
		Format:         string(j.Spec.Format),
		OutputSize:     j.OutputSize,
		Narration:      string(j.Narration),
		NarrationSize:  j.NarrationSize,
		NarrationError: j.NarrationError,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
	}
	if j.Status == types.JobRunning && j.Stage != "" {
		r.State = j.Stage.State()
	}
	if j.Status == types.JobCompleted {
		r.ArtifactURL = "/api/v1/jobs/" + j.ID + "/artifact"
		if j.Narration == types.NarrationPending || j.Narration == types.NarrationRunning {
			r.State = string(j.Narration)
		}
	}
	return r
}
