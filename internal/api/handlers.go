package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/CosmoTheDev/scanorch/internal/store"
	"github.com/CosmoTheDev/scanorch/models"
)

type createJobRequest struct {
	ProjectID     string                  `json:"project_id"`
	Configuration models.JobConfiguration `json:"configuration"`
}

type jobResponse struct {
	*models.Job
	Configuration models.JobConfiguration `json:"configuration"`
}

type resultResponse struct {
	*models.ProductResult
	Payload string `json:"payload,omitempty"`
}

func toJobResponse(job *models.Job) jobResponse {
	resp := jobResponse{Job: job}
	if job.Configuration != "" {
		// Stored configurations were encoded by Create.
		_ = json.Unmarshal([]byte(job.Configuration), &resp.Configuration)
	}
	return resp
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	job, err := s.jobs.Create(r.Context(), req.ProjectID, req.Configuration)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "Job queued", "job_uuid", job.UUID, "project", job.ProjectID)
	s.wake()
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))

	jobs, err := s.jobs.List(r.Context(), status, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.RequestCancel(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	jobUUID := chi.URLParam(r, "uuid")
	if _, err := s.jobs.Get(r.Context(), jobUUID); err != nil {
		s.fail(w, r, err)
		return
	}
	results, err := s.results.FindByJob(r.Context(), jobUUID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	withPayload := r.URL.Query().Get("payload") == "true"
	out := make([]resultResponse, 0, len(results))
	for _, res := range results {
		item := resultResponse{ProductResult: res}
		if withPayload {
			data, err := s.results.Payload(r.Context(), res)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			item.Payload = data
		}
		// Payload is served separately on request.
		cp := *res
		cp.Result = ""
		item.ProductResult = &cp
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrJobFinished):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.ErrorContext(r.Context(), "API request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
