// Package api hosts the HTTP server, middleware, and REST handlers for the
// auditor. Notable routes:
//   - POST /trigger-all-publisher-audits and POST /v1/batches start batches.
//   - POST /v1/jobs/{job_id}/status receives worker callbacks.
//   - GET /v1/batches/... reports progress; /watch streams it as SSE.
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks and /metrics for Prometheus.
package api
