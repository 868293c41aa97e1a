// Package ingress serves the courier HTTP API on a chi router.
//
// Routes:
//
//	POST /v1/jobs              submit a job
//	GET  /v1/jobs/{id}         job status
//	POST /v1/jobs/{id}/cancel  cancel a queued job
//	GET  /v1/stats             queue, worker and partition counts
//	GET  /healthz              shared store reachability
//
// Errors are JSON objects {"error": "..."} with the status chosen by
// StatusFor.
package ingress
