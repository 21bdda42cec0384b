package pennant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
)

// WebhookPayload is the change notification pushed by the flag store.
type WebhookPayload struct {
	Event     string   `json:"event"`
	FlagKeys  []string `json:"flag_keys"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// startWebhookServer starts the HTTP server that receives store change
// notifications, so cache invalidation happens eagerly instead of waiting
// for the refresh interval.
func (e *Engine) startWebhookServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(e.cfg.WebhookPath, e.handleWebhook)

	e.webhookServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", e.cfg.WebhookPort),
		Handler: mux,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("webhook server error", "error", err)
		}
	}()
	return nil
}

func (e *Engine) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := e.tracer.Start(r.Context(), "webhook.handle")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if e.cfg.WebhookSecret != "" {
		if r.Header.Get("X-Webhook-Secret") != e.cfg.WebhookSecret {
			span.AddEvent("unauthorized")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var payload WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		span.RecordError(err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.String("event.type", payload.Event),
		attribute.StringSlice("flag.keys", payload.FlagKeys),
	)

	switch payload.Event {
	case "flag.updated":
		for _, key := range payload.FlagKeys {
			if err := e.cache.reload(ctx, key); err != nil {
				e.logger.Warn("webhook reload failed", "flag", key, "error", err)
				e.cache.invalidate(key)
			}
		}

	case "flag.deleted":
		for _, key := range payload.FlagKeys {
			e.cache.invalidate(key)
		}

	default:
		// Unknown events fall back to a full refresh.
		go func() {
			if err := e.cache.refresh(context.Background()); err != nil {
				e.logger.Warn("webhook-triggered refresh failed", "error", err)
			}
		}()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
