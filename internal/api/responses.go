package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/ahrav/promptlab/internal/domain"
	"github.com/ahrav/promptlab/internal/job"
	"github.com/ahrav/promptlab/internal/metric"
	"github.com/ahrav/promptlab/internal/store"
)

// ErrResponse is the body of every error reply.
type ErrResponse struct {
	HTTPStatusCode int    `json:"-"`
	Error          string `json:"error"`
	Code           string `json:"code,omitempty"`
}

func (e *ErrResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errResponse(err error) *ErrResponse {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrMissingTemplateVar):
		return &ErrResponse{HTTPStatusCode: http.StatusBadRequest, Error: err.Error(), Code: "invalid_request"}
	case errors.Is(err, store.ErrNotFound):
		return &ErrResponse{HTTPStatusCode: http.StatusNotFound, Error: err.Error(), Code: "not_found"}
	case errors.Is(err, job.ErrQueueFull):
		return &ErrResponse{HTTPStatusCode: http.StatusServiceUnavailable, Error: err.Error(), Code: "queue_full"}
	default:
		return &ErrResponse{HTTPStatusCode: http.StatusInternalServerError, Error: err.Error(), Code: "internal"}
	}
}

func badRequest(msg string) *ErrResponse {
	return &ErrResponse{HTTPStatusCode: http.StatusBadRequest, Error: msg, Code: "invalid_request"}
}

// JobReply wraps a job.
type JobReply struct {
	*domain.Job
}

func (JobReply) Render(http.ResponseWriter, *http.Request) error { return nil }

// JobListReply is the list view.
type JobListReply struct {
	Jobs  []domain.JobSummary `json:"jobs"`
	Count int                 `json:"count"`
}

func (JobListReply) Render(http.ResponseWriter, *http.Request) error { return nil }

// CancelReply acknowledges a cancellation request.
type CancelReply struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (CancelReply) Render(http.ResponseWriter, *http.Request) error { return nil }

// ProviderInfo describes one registered provider.
// An empty Models list means any model name is accepted.
type ProviderInfo struct {
	Name   string   `json:"name"`
	Models []string `json:"models"`
	Priced []string `json:"priced_models,omitempty"`
	Stream bool     `json:"stream"`
}

// ProvidersReply lists providers.
type ProvidersReply struct {
	Providers []ProviderInfo `json:"providers"`
}

func (ProvidersReply) Render(http.ResponseWriter, *http.Request) error { return nil }

// PluginInfo describes one metric plugin.
type PluginInfo struct {
	metric.Info
	Enabled bool `json:"enabled"`
}

// PluginsReply lists metric plugins.
type PluginsReply struct {
	Plugins []PluginInfo `json:"plugins"`
}

func (PluginsReply) Render(http.ResponseWriter, *http.Request) error { return nil }
