package handlers

import (
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/gostow/pkg/archive"
	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/scheduler"
)

// StatusSource reports job state. *scheduler.Scheduler implements it.
type StatusSource interface {
	Snapshot() []scheduler.JobStatus
	Status(jobID string) (scheduler.JobStatus, bool)
}

// ArtifactSource reads the local archive. *archive.Store implements it.
type ArtifactSource interface {
	List(jobID string) iter.Seq2[artifact.Artifact, error]
	Get(jobID, name string) (artifact.Artifact, error)
}

// JobsResponse is the body of GET /jobs.
type JobsResponse struct {
	Jobs []scheduler.JobStatus `json:"jobs"`
}

// ArtifactsResponse is the body of GET /jobs/{id}/artifacts.
type ArtifactsResponse struct {
	JobID     string              `json:"job_id"`
	Count     int                 `json:"count"`
	Artifacts []artifact.Artifact `json:"artifacts"`
}

// Jobs serves job status and the artifacts of each job.
type Jobs struct {
	status    StatusSource
	artifacts ArtifactSource
}

func NewJobs(status StatusSource, artifacts ArtifactSource) *Jobs {
	return &Jobs{status: status, artifacts: artifacts}
}

// Routes mounts the job endpoints on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Get("/jobs", h.List)
	r.Get("/jobs/{id}", h.Get)
	r.Get("/jobs/{id}/artifacts", h.Artifacts)
	r.Get("/jobs/{id}/artifacts/{name}", h.Artifact)
}

func (h *Jobs) List(w http.ResponseWriter, _ *http.Request) {
	jobs := h.status.Snapshot()
	if jobs == nil {
		jobs = []scheduler.JobStatus{}
	}
	writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
}

func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.lookup(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Jobs) Artifacts(w http.ResponseWriter, r *http.Request) {
	st, err := h.lookup(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	list, err := archive.Collect(h.artifacts.List(st.JobID))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if list == nil {
		list = []artifact.Artifact{}
	}
	writeJSON(w, http.StatusOK, ArtifactsResponse{JobID: st.JobID, Count: len(list), Artifacts: list})
}

func (h *Jobs) Artifact(w http.ResponseWriter, r *http.Request) {
	st, err := h.lookup(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	name := chi.URLParam(r, "name")
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		respondWithError(w, r, fmt.Errorf("%w: %s", archive.ErrNotFound, name))
		return
	}
	a, err := h.artifacts.Get(st.JobID, name)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Jobs) lookup(r *http.Request) (scheduler.JobStatus, error) {
	id := chi.URLParam(r, "id")
	st, ok := h.status.Status(id)
	if !ok {
		return scheduler.JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return st, nil
}
