package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/domain"
)

const defaultRunListLimit = 20

// handleHealth handles GET /api/health: pings every database and the
// broker. Degraded components flip the status and the response code.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := make(map[string]string)
	healthy := true

	for _, db := range s.databases {
		if err := db.HealthCheck(ctx); err != nil {
			checks["db_"+db.Name()] = err.Error()
			healthy = false
		} else {
			checks["db_"+db.Name()] = "ok"
		}
	}

	if _, err := s.broker.GetAccount(ctx); err != nil {
		checks["broker"] = err.Error()
		healthy = false
	} else {
		checks["broker"] = "ok"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]any{
		"status": status,
		"mode":   string(s.mode),
		"checks": checks,
	})
}

// handleListRuns handles GET /api/runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRecentRuns(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list runs")
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	summaries := make([]runSummary, 0, len(runs))
	for i := range runs {
		summaries = append(summaries, summarizeRun(&runs[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

// handleGetRun handles GET /api/runs/{runID}: the run record plus its
// per-trade children.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load run")
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	trades, err := s.runs.ListTrades(r.Context(), runID)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load trades")
		s.writeError(w, http.StatusInternalServerError, "failed to load trades")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"run":    summarizeRun(run),
		"trades": trades,
	})
}

// handlePositions handles GET /api/positions
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	account, err := s.broker.GetAccount(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to fetch account")
		s.writeError(w, http.StatusBadGateway, "broker unavailable")
		return
	}

	positions, err := s.broker.GetPositions(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to fetch positions")
		s.writeError(w, http.StatusBadGateway, "broker unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"cash":            account.Cash,
		"buying_power":    account.BuyingPower,
		"portfolio_value": account.PortfolioValue,
		"positions":       positions,
		"as_of":           account.Timestamp.Format(time.RFC3339),
	})
}

// runSummary is the API shape of one run record. The raw ID sets are
// folded into counts; the detail endpoint carries per-trade rows.
type runSummary struct {
	RunID           string     `json:"run_id"`
	PlanID          string     `json:"plan_id"`
	CorrelationID   string     `json:"correlation_id"`
	Status          string     `json:"status"`
	TotalTrades     int        `json:"total_trades"`
	CompletedTrades int        `json:"completed_trades"`
	SucceededTrades int        `json:"succeeded_trades"`
	FailedTrades    int        `json:"failed_trades"`
	DayTradedValue  string     `json:"day_traded_value"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func summarizeRun(run *domain.RunRecord) runSummary {
	return runSummary{
		RunID:           run.RunID,
		PlanID:          run.PlanID,
		CorrelationID:   run.CorrelationID,
		Status:          string(run.Status),
		TotalTrades:     run.TotalTrades,
		CompletedTrades: run.CompletedTrades,
		SucceededTrades: run.SucceededTrades,
		FailedTrades:    run.FailedTrades,
		DayTradedValue:  run.DayTradedValue.String(),
		CreatedAt:       run.CreatedAt,
		CompletedAt:     run.CompletedAt,
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSONBody(w, data, s.log)
}

func writeJSONBody(w http.ResponseWriter, data any, log zerolog.Logger) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
