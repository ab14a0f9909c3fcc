package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/query"
	"github.com/sells-group/metrics-engine/internal/store"
)

const defaultActivityDays = 30

type collectRequest struct {
	TargetDate string `json:"target_date"`
	Correct    bool   `json:"correct"`
}

type backfillRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// decodeBody decodes an optional JSON body. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return model.Invalidf("invalid request body: %v", err)
}

func parseOptionalDate(s, field string) (model.Date, error) {
	if s == "" {
		return model.Date{}, nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return model.Date{}, model.Invalidf("%s: %s", field, model.ValidationMessage(err))
	}
	return d, nil
}

func parseRequiredDate(s, field string) (model.Date, error) {
	if s == "" {
		return model.Date{}, model.Invalidf("%s is required", field)
	}
	return parseOptionalDate(s, field)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	var req collectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	date, err := parseOptionalDate(req.TargetDate, "target_date")
	if err != nil {
		writeError(w, r, err)
		return
	}

	trigger := model.TriggerRoutine
	if req.Correct {
		trigger = model.TriggerCorrection
	}

	res, err := s.deps.Collector.Run(r.Context(), date, trigger)
	if err != nil {
		writeError(w, r, err)
		return
	}

	msg := fmt.Sprintf("collected %d metrics for %s", res.MetricsCollected, res.Date)
	if !res.Succeeded() {
		msg = fmt.Sprintf("collected %d metrics for %s, %d failed", res.MetricsCollected, res.Date, res.MetricsFailed)
	}
	writeData(w, res, msg)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	start, err := parseRequiredDate(req.StartDate, "start_date")
	if err != nil {
		writeError(w, r, err)
		return
	}
	end, err := parseRequiredDate(req.EndDate, "end_date")
	if err != nil {
		writeError(w, r, err)
		return
	}

	results, err := s.deps.Backfill.Backfill(r.Context(), start, end)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Completed dates go back to the caller so only the rest need re-driving.
			if results == nil {
				results = []model.CollectionResult{}
			}
			total := model.DateRange{Start: start, End: end}.Days()
			writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{
				Error:   fmt.Sprintf("backfill interrupted after %d of %d dates", len(results), total),
				Details: err.Error(),
				Data:    model.Summarize(start, end, results),
			})
			return
		}
		writeError(w, r, err)
		return
	}

	sum := model.Summarize(start, end, results)
	writeData(w, results, fmt.Sprintf("backfilled %d dates, %d failed", sum.Total, sum.Failed))
}

func (s *Server) handleFetchMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseRequiredDate(q.Get("start"), "start")
	if err != nil {
		writeError(w, r, err)
		return
	}
	end, err := parseRequiredDate(q.Get("end"), "end")
	if err != nil {
		writeError(w, r, err)
		return
	}

	snaps, err := s.deps.Reader.FetchMetrics(r.Context(), query.MetricsQuery{
		Start:    start,
		End:      end,
		Category: model.MetricCategory(q.Get("category")),
		Type:     model.MetricType(q.Get("type")),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, snaps, "")
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Reader.FetchCurrentMetrics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, view, "")
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	days := defaultActivityDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, model.Invalidf("days must be an integer, got %q", raw))
			return
		}
		days = n
	}

	points, err := s.deps.Reader.FetchActivityData(r.Context(), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, points, "")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Reader.GetCollectionStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := ""
	if run == nil {
		msg = "no collection has run yet"
	}
	writeData(w, run, msg)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Status: model.RunStatus(q.Get("status"))}

	switch filter.Status {
	case "", model.RunStatusRunning, model.RunStatusCompleted, model.RunStatusFailed:
	default:
		writeError(w, r, model.Invalidf("unknown status %q", filter.Status))
		return
	}

	date, err := parseOptionalDate(q.Get("date"), "date")
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter.Date = date

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, model.Invalidf("limit must be a positive integer, got %q", raw))
			return
		}
		filter.Limit = n
	}

	runs, err := s.deps.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, runs, "")
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, run, "")
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]any{
		"version": s.deps.Catalog.Version(),
		"metrics": s.deps.Catalog.All(),
	}, "")
}

func (s *Server) handleCollectionHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Health.Check(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := ""
	if n := len(report.Alerts); n > 0 {
		msg = fmt.Sprintf("%d alert(s)", n)
	}
	writeData(w, report, msg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK

	if s.deps.Pinger != nil {
		if err := s.deps.Pinger.Ping(r.Context()); err != nil {
			body["status"] = "degraded"
			body["store_error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Stats()
	}
	writeJSON(w, status, successEnvelope{Success: status == http.StatusOK, Data: body})
}
