package ingress

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
)

// JobResponse is the body of every job endpoint.
type JobResponse struct {
	*job.Job

	// Duplicate is set when a submission matched an existing job.
	Duplicate bool `json:"duplicate,omitempty"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBodyBytes)

	var sub job.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		a.writeErr(w, fmt.Errorf("%w: decode body: %w", courier.ErrValidation, err))
		return
	}

	res, err := a.svc.Submit(r.Context(), sub)
	if err != nil {
		a.writeErr(w, err)
		return
	}

	if res.Duplicate {
		writeJSON(w, http.StatusOK, JobResponse{Job: res.Job, Duplicate: true})
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+res.Job.ID)
	writeJSON(w, http.StatusAccepted, JobResponse{Job: withoutPayload(res.Job)})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: j})
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: j})
}

// withoutPayload drops the payload echo from an acceptance response.
func withoutPayload(j *job.Job) *job.Job {
	c := j.Clone()
	c.Payload = nil
	return c
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Stats())
}
