package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/cellcore/internal/history"
	"github.com/nerrad567/cellcore/internal/orchestrator"
	"github.com/nerrad567/cellcore/internal/scheduler"
)

const (
	// healthCheckTimeout bounds each dependency check.
	healthCheckTimeout = 2 * time.Second

	// maxHistoryLimit mirrors the repository's page cap.
	maxHistoryLimit = 500
)

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Runtime       RuntimeMetrics      `json:"runtime"`
	WSClients     int                 `json:"ws_clients"`
	Cell          orchestrator.Status `json:"cell"`
}

// handleHealth runs the dependency checks. Any failing check turns the
// response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	checks := make(map[string]string, len(s.checks))

	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}

// handleStatus returns the cell status plus process statistics.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	writeJSON(w, http.StatusOK, StatusResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WSClients: s.hub.ClientCount(),
		Cell:      s.cell.Status(),
	})
}

// handleTriggerStep queues a step program, as a PLC rising edge would.
func (s *Server) handleTriggerStep(w http.ResponseWriter, r *http.Request) {
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step < 0 {
		writeBadRequest(w, "invalid step number")
		return
	}

	if err := s.cell.Trigger(step); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrUnknownStep), errors.Is(err, scheduler.ErrUnknownStep):
			writeNotFound(w, "step not found")
		case errors.Is(err, scheduler.ErrBacklogFull):
			writeConflict(w, "actuator backlog is full")
		case errors.Is(err, scheduler.ErrClosed):
			writeUnavailable(w, "scheduler is shut down")
		default:
			s.logger.Error("step trigger failed", "step", step, "error", err)
			writeInternalError(w, "failed to queue step")
		}
		return
	}

	s.logger.Info("step triggered via API", "step", step)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"step":   step,
		"status": "queued",
	})
}

// handleEmergencyStop halts every actuator.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("emergency stop requested via API", "request_id", requestID(r.Context()))

	if err := s.cell.EmergencyStop(r.Context()); err != nil {
		if errors.Is(err, scheduler.ErrNoStopper) {
			writeUnavailable(w, "no actuators to stop")
			return
		}
		s.logger.Error("emergency stop failed", "error", err)
		writeInternalError(w, "emergency stop failed on one or more actuators")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleArmChannel arms a channel's detection gate.
func (s *Server) handleArmChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cell.Arm(id); err != nil {
		s.writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"channel": id, "status": "armed"})
}

// handleResetChannel zeroes a channel's good/bad counters.
func (s *Server) handleResetChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cell.ResetCounts(id); err != nil {
		s.writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"channel": id, "status": "reset"})
}

func (s *Server) writeChannelError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrUnknownChannel) {
		writeNotFound(w, "channel not found")
		return
	}
	s.logger.Error("channel operation failed", "error", err)
	writeInternalError(w, "channel operation failed")
}

// handleListInspections pages through finalized inspections.
func (s *Server) handleListInspections(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "history unavailable")
		return
	}
	filter, err := parseFilter(r, "channel")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	page, err := s.history.ListInspections(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing inspections failed", "error", err)
		writeInternalError(w, "failed to load inspections")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleInspectionSummary returns good/bad totals per channel.
func (s *Server) handleInspectionSummary(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "history unavailable")
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}

	channels := []string{}
	if ch := r.URL.Query().Get("channel"); ch != "" {
		channels = append(channels, ch)
	} else {
		for _, cs := range s.cell.Status().Channels {
			channels = append(channels, cs.ID)
		}
	}

	summary := make(map[string]history.Verdicts, len(channels))
	for _, ch := range channels {
		v, err := s.history.CountVerdicts(r.Context(), ch, since)
		if err != nil {
			s.logger.Error("counting verdicts failed", "channel", ch, "error", err)
			writeInternalError(w, "failed to count verdicts")
			return
		}
		summary[ch] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": summary})
}

// handleListSteps pages through finished step executions.
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "history unavailable")
		return
	}
	filter, err := parseFilter(r, "resource")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	page, err := s.history.ListSteps(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing steps failed", "error", err)
		writeInternalError(w, "failed to load step history")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// parseFilter reads key, since, limit and offset query parameters.
func parseFilter(r *http.Request, keyParam string) (history.Filter, error) {
	q := r.URL.Query()
	f := history.Filter{Key: q.Get(keyParam)}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid limit")
		}
		if n > maxHistoryLimit {
			return f, fmt.Errorf("limit exceeds maximum")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset")
		}
		f.Offset = n
	}
	since, err := parseSince(q.Get("since"))
	if err != nil {
		return f, fmt.Errorf("invalid since timestamp")
	}
	f.Since = since
	return f, nil
}

// parseSince parses an RFC3339 timestamp; empty means no bound.
func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
