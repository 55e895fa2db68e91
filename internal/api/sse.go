package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/ahrav/promptlab/internal/domain"
	"github.com/ahrav/promptlab/internal/stream"
)

// writeEvent writes one server-sent event: "event: <kind>\ndata: <json>\n\n".
func writeEvent(w http.ResponseWriter, e stream.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind(), data)
	return err
}

// terminalEvents replays the outcome of a job that finished before the
// client connected.
func terminalEvents(j *domain.Job) []stream.Event {
	h := stream.Header{JobID: j.ID, Timestamp: j.UpdatedAt}
	var out []stream.Event
	switch j.Status {
	case domain.JobCompleted:
		if j.Result != nil {
			out = append(out, stream.TokenEvent{Header: h, Content: *j.Result})
		}
		avg := 0.0
		if j.AverageScore != nil {
			avg = *j.AverageScore
		}
		out = append(out, stream.MetricsEvent{Header: h, Metrics: j.Metrics, AverageScore: avg})
	case domain.JobFailed:
		msg, typ := "", ""
		if j.ErrorMessage != nil {
			msg = *j.ErrorMessage
		}
		if j.ErrorType != nil {
			typ = *j.ErrorType
		}
		out = append(out, stream.ErrorEvent{Header: h, Message: msg, Type: typ})
	}
	return append(out, stream.DoneEvent{Header: h, Status: j.Status})
}

// streamJob follows a job's events until its done event or the client goes
// away. There is no replay of events published before the subscription; a
// job that is already terminal gets a synthesized summary instead.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = render.Render(w, r, &ErrResponse{HTTPStatusCode: http.StatusInternalServerError, Error: "streaming unsupported"})
		return
	}
	if _, err := s.svc.Get(r.Context(), id); err != nil {
		_ = render.Render(w, r, errResponse(err))
		return
	}

	if !s.live {
		s.streamSummary(w, r, flusher, id)
		return
	}

	conn := s.pool.Get(id)
	defer s.pool.Release(id)
	events, stop := conn.Listen()
	defer stop()

	// Read the state only after subscribing so a transition in between is
	// seen either here or on the channel.
	current, err := s.svc.Get(r.Context(), id)
	if err != nil {
		_ = render.Render(w, r, errResponse(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if current.Status.IsTerminal() {
		for _, e := range terminalEvents(current) {
			if err := writeEvent(w, e); err != nil {
				return
			}
		}
		flusher.Flush()
		return
	}

	hello := stream.StatusEvent{Header: stream.Header{JobID: id, Timestamp: time.Now()}, Status: current.Status}
	if err := writeEvent(w, hello); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				s.logger.DebugContext(r.Context(), "stream client write failed", "job_id", id, "error", err)
				return
			}
			flusher.Flush()
			if e.Kind() == stream.KindDone {
				return
			}
		}
	}
}

// streamSummary serves terminal jobs without a live subscription and refuses
// active ones.
func (s *Server) streamSummary(w http.ResponseWriter, r *http.Request, flusher http.Flusher, id string) {
	current, err := s.svc.Get(r.Context(), id)
	if err != nil {
		_ = render.Render(w, r, errResponse(err))
		return
	}
	if !current.Status.IsTerminal() {
		_ = render.Render(w, r, &ErrResponse{
			HTTPStatusCode: http.StatusServiceUnavailable,
			Error:          "live streaming is unavailable for jobs executed by remote workers; poll the job instead",
			Code:           "stream_unavailable",
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for _, e := range terminalEvents(current) {
		if err := writeEvent(w, e); err != nil {
			return
		}
	}
	flusher.Flush()
}
