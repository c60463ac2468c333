package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/bobarin/storyreel/internal/compose"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/pipeline"
	"github.com/bobarin/storyreel/internal/queue"
	"github.com/bobarin/storyreel/internal/resolver"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultPageLimit  = 20
	maxPageLimit      = 100
	recentJobsInQueue = 10
)

// Jobs is the asynchronous side: the queue plus its durable audit trail.
type Jobs interface {
	Submit(ctx context.Context, jobType models.JobType, story *models.StoryRequest, options models.GenerationOptions) (models.Job, error)
	Regenerate(ctx context.Context, recordID uuid.UUID, options *models.GenerationOptions) (models.Job, error)
	Status(ctx context.Context, id uuid.UUID) (models.JobStatusResponse, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Jobs() map[uuid.UUID]models.Job
	Overview(ctx context.Context, n int) models.QueueStatusResponse
}

// Generator is the synchronous side and the record history.
type Generator interface {
	Generate(ctx context.Context, req pipeline.Request, report func(progress int)) (*models.JobResult, error)
	Record(ctx context.Context, id uuid.UUID) (*models.GenerationRecord, error)
	Records(ctx context.Context, offset, limit int) ([]models.GenerationRecord, int, error)
	DeleteRecord(ctx context.Context, id uuid.UUID, deleteFile bool) (bool, error)
}

type AssetSearcher interface {
	Search(ctx context.Context, query string, k int) ([]models.AssetCandidate, error)
}

type Handler struct {
	jobs   Jobs
	gen    Generator
	search AssetSearcher
	logger *slog.Logger
}

func NewHandler(jobs Jobs, gen Generator, search AssetSearcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		jobs:   jobs,
		gen:    gen,
		search: search,
		logger: logger.With("component", "api"),
	}
}

// GenerateVideo handles POST /v1/videos. The render runs on the request
// goroutine and the result is returned directly.
func (h *Handler) GenerateVideo(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.gen.Generate(r.Context(), pipeline.Request{
		Type:    req.Type,
		Story:   &req.Story,
		Options: optionsOrZero(req.Options),
	}, nil)
	if err != nil {
		h.respondFailure(w, "synchronous generation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.jobs.Submit(r.Context(), req.Type, &req.Story, optionsOrZero(req.Options))
	if err != nil {
		h.respondFailure(w, "job submission failed", err)
		return
	}
	respondJSON(w, http.StatusAccepted, h.submitted(r.Context(), job))
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - status: filter by job status (pending, processing, completed, failed)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	statusFilter := models.JobStatus(r.URL.Query().Get("status"))
	if statusFilter != "" && !statusFilter.Valid() {
		respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: pending, processing, completed, failed")
		return
	}

	all := h.jobs.Jobs()
	jobs := make([]models.Job, 0, len(all))
	for _, job := range all {
		if statusFilter == "" || job.Status == statusFilter {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "Invalid job ID")
	if !ok {
		return
	}

	status, err := h.jobs.Status(r.Context(), id)
	if err != nil {
		h.respondFailure(w, "job lookup failed", err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// DeleteJob handles DELETE /v1/jobs/{id}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "Invalid job ID")
	if !ok {
		return
	}

	if err := h.jobs.Delete(r.Context(), id); err != nil {
		h.respondFailure(w, "job delete failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"job_id": id, "deleted": true})
}

// QueueStatus handles GET /v1/queue
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.jobs.Overview(r.Context(), recentJobsInQueue))
}

// ListRecords handles GET /v1/records
// Query params:
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	records, total, err := h.gen.Records(r.Context(), offset, limit)
	if err != nil {
		h.respondFailure(w, "record listing failed", err)
		return
	}
	if records == nil {
		records = []models.GenerationRecord{}
	}

	respondJSON(w, http.StatusOK, models.RecordListResponse{
		Records:       records,
		Total:         total,
		ReturnedCount: len(records),
		Limit:         limit,
		Offset:        offset,
	})
}

// GetRecord handles GET /v1/records/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "Invalid record ID")
	if !ok {
		return
	}

	rec, err := h.gen.Record(r.Context(), id)
	if err != nil {
		h.respondFailure(w, "record lookup failed", err)
		return
	}
	respondJSON(w, http.StatusOK, models.RecordResponse{
		Record:     *rec,
		FileExists: pipeline.FileExists(rec),
	})
}

// RegenerateRecord handles POST /v1/records/{id}/regenerate. The body is
// optional; without options the record's own options are reused.
func (h *Handler) RegenerateRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "Invalid record ID")
	if !ok {
		return
	}

	var body struct {
		Options *models.GenerationOptions `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.jobs.Regenerate(r.Context(), id, body.Options)
	if err != nil {
		h.respondFailure(w, "regenerate failed", err)
		return
	}
	respondJSON(w, http.StatusAccepted, h.submitted(r.Context(), job))
}

// DeleteRecord handles DELETE /v1/records/{id}?delete_file=bool
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "Invalid record ID")
	if !ok {
		return
	}

	deleteFile := false
	if v := r.URL.Query().Get("delete_file"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid delete_file value")
			return
		}
		deleteFile = parsed
	}

	removed, err := h.gen.DeleteRecord(r.Context(), id, deleteFile)
	if err != nil {
		h.respondFailure(w, "record delete failed", err)
		return
	}
	respondJSON(w, http.StatusOK, models.DeleteRecordResponse{RecordID: id, FileDeleted: removed})
}

// SearchAssets handles GET /v1/assets/search?q=&k=
func (h *Handler) SearchAssets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "Query parameter q is required")
		return
	}

	k := models.DefaultCandidatesPerSearch
	if v := r.URL.Query().Get("k"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < models.MinCandidatesPerSearch || parsed > models.MaxCandidatesPerSearch {
			respondError(w, http.StatusBadRequest, "k must be between 1 and 50")
			return
		}
		k = parsed
	}

	results, err := h.search.Search(r.Context(), query, k)
	if err != nil {
		h.logger.Error("asset search failed", "query", query, "error", err)
		respondError(w, http.StatusBadGateway, "Asset search unavailable")
		return
	}
	if results == nil {
		results = []models.AssetCandidate{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": results,
	})
}

func (h *Handler) submitted(ctx context.Context, job models.Job) models.SubmitJobResponse {
	resp := models.SubmitJobResponse{JobID: job.ID, Status: job.Status}
	// The worker may already have picked the job up; position then stays 0.
	if status, err := h.jobs.Status(ctx, job.ID); err == nil {
		resp.Status = status.Job.Status
		if status.QueuePosition != nil {
			resp.QueuePosition = *status.QueuePosition
		}
	}
	return resp
}

// respondFailure maps domain errors to status codes. Unexpected errors are
// logged and reported without detail.
func (h *Handler) respondFailure(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error", err)
	} else {
		h.logger.Info(msg, "status", status, "error", err)
	}
	if status == http.StatusInternalServerError {
		respondError(w, status, "Internal server error")
		return
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidStory),
		errors.Is(err, models.ErrInvalidSceneSpec),
		errors.Is(err, models.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, pipeline.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidState),
		errors.Is(err, queue.ErrDuplicateJob):
		return http.StatusConflict
	case resolver.Skippable(err),
		errors.Is(err, compose.ErrNoScenesProvided),
		errors.Is(err, compose.ErrNoValidClips),
		errors.Is(err, pipeline.ErrNoStoredInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, resolver.ErrTTSFailure),
		errors.Is(err, resolver.ErrSearchUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func optionsOrZero(opts *models.GenerationOptions) models.GenerationOptions {
	if opts == nil {
		return models.GenerationOptions{}
	}
	return *opts
}

func parseID(w http.ResponseWriter, r *http.Request, param, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, msg)
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
