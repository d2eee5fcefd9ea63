package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/httputil"
	"github.com/kerbside-data/trafficwatch/internal/store"
	"github.com/kerbside-data/trafficwatch/internal/version"
)

// healthStatus is the /health response body.
type healthStatus struct {
	Status      string  `json:"status"`
	Broker      bool    `json:"broker"`
	Store       bool    `json:"store"`
	LastPersist float64 `json:"last_persist_timestamp"`
	Version     string  `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, requestID(r))
		return
	}

	status := healthStatus{Status: "ok", Version: version.Version}
	if err := s.broker.Ping(r.Context()); err != nil {
		status.Broker = false
		status.Status = "degraded"
	} else {
		status.Broker = true
	}
	if err := s.store.PingContext(r.Context()); err != nil {
		status.Store = false
		status.Status = "degraded"
	} else {
		status.Store = true
		if ts, err := s.store.LastPersistTime(r.Context()); err == nil {
			status.LastPersist = ts
		}
	}
	httputil.WriteEnveloped(w, requestID(r), status)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, requestID(r))
		return
	}
	hours, ok := boundedIntParam(w, r, "hours", 24, 1, 168)
	if !ok {
		return
	}
	limit, ok := boundedIntParam(w, r, "limit", 100, 1, 1000)
	if !ok {
		return
	}

	detections, err := s.store.RecentDetections(r.Context(), hours, limit)
	if err != nil {
		s.storeError(w, r, "recent detections query", err)
		return
	}
	httputil.WriteEnveloped(w, requestID(r), map[string]any{
		"hours":      hours,
		"count":      len(detections),
		"detections": emptyIfNil(detections),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, requestID(r))
		return
	}
	days, ok := boundedIntParam(w, r, "days", 7, 1, 30)
	if !ok {
		return
	}

	rows, err := s.store.DailySummary(r.Context(), days)
	if err != nil {
		s.storeError(w, r, "daily summary query", err)
		return
	}
	httputil.WriteEnveloped(w, requestID(r), map[string]any{
		"days": days,
		"summary": func() any {
			if rows == nil {
				return []store.DailySummaryRow{}
			}
			return rows
		}(),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, requestID(r))
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "day"
	}
	switch period {
	case "day", "week", "month":
	default:
		httputil.BadRequest(w, "period must be day, week, or month", "period", requestID(r))
		return
	}

	// the low alert threshold doubles as the posted speed limit
	report, err := s.store.Analytics(r.Context(), period, s.cfg.LowThreshold)
	if err != nil {
		s.storeError(w, r, "analytics query", err)
		return
	}
	httputil.WriteEnveloped(w, requestID(r), report)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, requestID(r))
		return
	}
	q := r.URL.Query()
	var criteria store.SearchCriteria
	hasCriterion := false

	if v := q.Get("start_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			httputil.BadRequest(w, "start_date must be YYYY-MM-DD or RFC3339", "start_date", requestID(r))
			return
		}
		criteria.StartDate = &t
		hasCriterion = true
	}
	if v := q.Get("end_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			httputil.BadRequest(w, "end_date must be YYYY-MM-DD or RFC3339", "end_date", requestID(r))
			return
		}
		criteria.EndDate = &t
		hasCriterion = true
	}
	if v := q.Get("min_speed"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			httputil.BadRequest(w, "min_speed must be a non-negative number", "min_speed", requestID(r))
			return
		}
		criteria.MinSpeed = &f
		hasCriterion = true
	}
	if v := q.Get("max_speed"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			httputil.BadRequest(w, "max_speed must be a non-negative number", "max_speed", requestID(r))
			return
		}
		criteria.MaxSpeed = &f
		hasCriterion = true
	}
	if v := q.Get("vehicle_type"); v != "" {
		criteria.VehicleType = v
		hasCriterion = true
	}
	if !hasCriterion {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeMissingParameter,
			"at least one search criterion is required", "", requestID(r))
		return
	}
	if criteria.MinSpeed != nil && criteria.MaxSpeed != nil && *criteria.MinSpeed > *criteria.MaxSpeed {
		httputil.BadRequest(w, "min_speed must not exceed max_speed", "min_speed", requestID(r))
		return
	}

	limit, ok := boundedIntParam(w, r, "limit", 100, 1, 1000)
	if !ok {
		return
	}
	criteria.Limit = limit

	detections, err := s.store.SearchDetections(r.Context(), criteria)
	if err != nil {
		s.storeError(w, r, "search query", err)
		return
	}
	httputil.WriteEnveloped(w, requestID(r), map[string]any{
		"count":      len(detections),
		"detections": emptyIfNil(detections),
	})
}

// storeError separates an unreachable store from a bad query: 503 only when
// a ping fails too, otherwise 500 with the request id for log correlation.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error(op, zap.Error(err), zap.String("request_id", requestID(r)))
	if s.store.PingContext(r.Context()) != nil {
		httputil.StoreUnavailable(w, requestID(r))
		return
	}
	httputil.InternalServerError(w, requestID(r))
}

// boundedIntParam parses an integer query parameter with a default and an
// inclusive range, writing the 400 itself on violation.
func boundedIntParam(w http.ResponseWriter, r *http.Request, name string, def, min, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		httputil.BadRequest(w,
			fmt.Sprintf("%s must be an integer between %d and %d", name, min, max),
			name, requestID(r))
		return 0, false
	}
	return v, true
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func emptyIfNil(d []store.Detection) []store.Detection {
	if d == nil {
		return []store.Detection{}
	}
	return d
}
