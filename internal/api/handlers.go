package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/ahrav/promptlab/internal/domain"
	"github.com/ahrav/promptlab/internal/llm/providers"
	"github.com/ahrav/promptlab/internal/store"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		_ = render.Render(w, r, badRequest("malformed JSON body: "+err.Error()))
		return
	}

	created, err := s.svc.Create(r.Context(), req)
	if err != nil {
		_ = render.Render(w, r, errResponse(err))
		return
	}
	if err := s.submitter.Submit(created.ID); err != nil {
		// The job stays pending and the dispatcher's sweep picks it up.
		s.logger.WarnContext(r.Context(), "job not queued", "job_id", created.ID, "error", err)
	}

	render.Status(r, http.StatusAccepted)
	_ = render.Render(w, r, JobReply{created})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		Provider: q.Get("provider"),
		Status:   domain.JobStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		_ = render.Render(w, r, badRequest("unknown status "+strconv.Quote(string(filter.Status))))
		return
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			_ = render.Render(w, r, badRequest("since must be RFC 3339"))
			return
		}
		filter.Since = since
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			_ = render.Render(w, r, badRequest(name+" must be a non-negative integer"))
			return
		}
		*dst = n
	}

	jobs, err := s.svc.List(r.Context(), filter)
	if err != nil {
		_ = render.Render(w, r, errResponse(err))
		return
	}
	_ = render.Render(w, r, JobListReply{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		_ = render.Render(w, r, errResponse(err))
		return
	}
	_ = render.Render(w, r, JobReply{j})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.svc.Delete(r.Context(), id)
	if err != nil {
		_ = render.Render(w, r, errResponse(err))
		return
	}
	if !deleted {
		_ = render.Render(w, r, &ErrResponse{HTTPStatusCode: http.StatusNotFound, Error: "job not found: " + id, Code: "not_found"})
		return
	}
	render.NoContent(w, r)
}

// cancelJob always acknowledges; cancelling unknown or finished jobs is a
// no-op.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		_ = render.Render(w, r, errResponse(err))
		return
	}
	_ = render.Render(w, r, CancelReply{ID: id, Status: "cancel_requested"})
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	reg := s.svc.Providers()
	reply := ProvidersReply{Providers: []ProviderInfo{}}
	for _, name := range reg.Names() {
		p, err := reg.Get(name)
		if err != nil {
			continue
		}
		_, streams := p.(providers.Streamer)
		models := p.Models()
		if models == nil {
			models = []string{}
		}
		info := ProviderInfo{Name: name, Models: models, Stream: streams}
		if priced, ok := p.(interface{ PricedModels() []string }); ok {
			info.Priced = priced.PricedModels()
		}
		reply.Providers = append(reply.Providers, info)
	}
	_ = render.Render(w, r, reply)
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	reg := s.svc.Evaluator().Registry()
	category := r.URL.Query().Get("category")
	reply := PluginsReply{Plugins: []PluginInfo{}}
	for _, p := range reg.GetAll() {
		info := p.Info()
		if category != "" && string(info.Category) != category {
			continue
		}
		info.Default = reg.IsDefault(info.ID)
		reply.Plugins = append(reply.Plugins, PluginInfo{Info: info, Enabled: reg.IsEnabled(info.ID)})
	}
	_ = render.Render(w, r, reply)
}
