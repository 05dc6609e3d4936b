// Package workerclient submits dispatch units to the external audit worker.
package workerclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/adops/site-auditor/internal/audit"
)

// SubmitPath is the worker route that accepts a publisher's sites for
// asynchronous auditing.
const SubmitPath = "/audit-batch-sites"

// Config holds worker connection settings.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// Propagator injects trace context into request headers. The global
	// OpenTelemetry propagator is used when nil.
	Propagator propagation.TextMapPropagator
}

type submitRequest struct {
	PublisherID string   `json:"publisherId"`
	SiteNames   []string `json:"siteNames"`
	BatchID     string   `json:"batchId,omitempty"`
	JobIDs      []string `json:"jobIds,omitempty"`
}

// Client is a resty-backed audit.WorkerClient.
type Client struct {
	client     *resty.Client
	endpoint   string
	propagator propagation.TextMapPropagator
}

// New constructs a Client. An empty endpoint yields a client that reports
// itself as unconfigured.
func New(cfg Config) *Client {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if endpoint != "" {
		client.SetBaseURL(endpoint)
	}
	return &Client{client: client, endpoint: endpoint, propagator: cfg.Propagator}
}

// Configured reports whether a worker endpoint is set.
func (c *Client) Configured() bool {
	return c != nil && c.endpoint != ""
}

// Submit posts one unit. Any 2xx is Queued; everything else becomes a
// DispatchFailed carrying the response body verbatim or the transport error.
func (c *Client) Submit(ctx context.Context, unit audit.DispatchUnit, batchID string) audit.Outcome {
	if !c.Configured() {
		return audit.DispatchFailed{Reason: "worker endpoint is not configured"}
	}
	headers := propagation.MapCarrier{}
	c.textMapPropagator().Inject(ctx, headers)
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(submitRequest{
			PublisherID: unit.PublisherID,
			SiteNames:   unit.SiteNames(),
			BatchID:     batchID,
			JobIDs:      unit.JobIDs,
		}).
		Post(SubmitPath)
	if err != nil {
		return audit.DispatchFailed{Reason: err.Error()}
	}
	if resp.IsSuccess() {
		return audit.Queued{}
	}
	reason := string(resp.Body())
	if len(reason) == 0 {
		reason = fmt.Sprintf("worker returned %d %s", resp.StatusCode(), http.StatusText(resp.StatusCode()))
	}
	return audit.DispatchFailed{Reason: reason, StatusCode: resp.StatusCode()}
}

func (c *Client) textMapPropagator() propagation.TextMapPropagator {
	if c.propagator != nil {
		return c.propagator
	}
	return otel.GetTextMapPropagator()
}
