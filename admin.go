package pennant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// startAdminServer starts the operator HTTP API: cache health and
// invalidation plus the rollout control surface.
func (e *Engine) startAdminServer() error {
	base := e.cfg.AdminPath

	mux := http.NewServeMux()
	mux.HandleFunc("/health", e.handleHealth)
	mux.HandleFunc(base+"/stats", e.handleStats)
	mux.HandleFunc(base+"/invalidate", e.handleInvalidate)
	mux.HandleFunc(base+"/invalidate-all", e.handleInvalidateAll)
	mux.HandleFunc(base+"/refresh", e.handleRefresh)
	mux.HandleFunc(base+"/rollouts", e.handleRolloutStatus)
	mux.HandleFunc(base+"/rollouts/start", e.handleRolloutStart)
	mux.HandleFunc(base+"/rollouts/advance", e.handleRolloutAdvance)
	mux.HandleFunc(base+"/rollouts/rollback", e.handleRolloutRollback)
	mux.HandleFunc(base+"/rollouts/resume", e.handleRolloutResume)
	mux.HandleFunc(base+"/rollouts/emergency-disable", e.handleEmergencyDisable)

	e.adminServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", e.cfg.AdminPort),
		Handler: mux,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("admin server error", "error", err)
		}
	}()
	return nil
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := e.cache.stats()

	status := "healthy"
	if stats.CircuitOpen {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"circuit_open": stats.CircuitOpen,
		"last_refresh": stats.LastRefresh.Format(time.RFC3339),
	})
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.cache.stats())
}

func (e *Engine) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		FlagKeys []string `json:"flag_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	for _, key := range req.FlagKeys {
		e.cache.invalidate(key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "invalidated": req.FlagKeys})
}

func (e *Engine) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	e.cache.invalidateAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (e *Engine) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := e.cache.refresh(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("refresh failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (e *Engine) handleRolloutStatus(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("flag_key")
	if key == "" {
		http.Error(w, "flag_key is required", http.StatusBadRequest)
		return
	}
	status, ok := e.Rollout(key)
	if !ok {
		http.Error(w, "no rollout for flag", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (e *Engine) handleRolloutStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		FlagKey     string         `json:"flag_key"`
		Stages      []RolloutStage `json:"stages"`
		AutoAdvance bool           `json:"auto_advance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	var opts []RolloutOption
	if req.AutoAdvance {
		opts = append(opts, WithAutoAdvance())
	}

	status, err := e.StartRollout(r.Context(), req.FlagKey, req.Stages, opts...)
	if err != nil {
		writeRolloutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (e *Engine) handleRolloutAdvance(w http.ResponseWriter, r *http.Request) {
	e.rolloutAction(w, r, e.AdvanceStage)
}

func (e *Engine) handleRolloutRollback(w http.ResponseWriter, r *http.Request) {
	e.rolloutAction(w, r, e.Rollback)
}

func (e *Engine) handleRolloutResume(w http.ResponseWriter, r *http.Request) {
	e.rolloutAction(w, r, e.Resume)
}

func (e *Engine) rolloutAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, flagKey string) (RolloutStatus, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		FlagKey string `json:"flag_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FlagKey == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	status, err := action(r.Context(), req.FlagKey)
	if err != nil {
		writeRolloutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (e *Engine) handleEmergencyDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		FlagKey string `json:"flag_key"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FlagKey == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if err := e.EmergencyDisable(r.Context(), req.FlagKey, req.Reason); err != nil {
		writeRolloutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled", "flag_key": req.FlagKey})
}

func writeRolloutError(w http.ResponseWriter, err error) {
	var stateErr *RolloutStateError
	var cfgErr *ConfigError
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &stateErr):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &cfgErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
