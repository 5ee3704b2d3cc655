package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authstore/internal/adapter"
)

const healthTimeout = 3 * time.Second

// HealthResponse は/healthのレスポンスボディ。
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

// HealthHandler はバックエンドの疎通を確認するハンドラー。
type HealthHandler struct {
	pinger  adapter.Pinger
	backend string
}

// NewHealthHandler は新しいHealthHandlerを生成する。
func NewHealthHandler(pinger adapter.Pinger, backend string) *HealthHandler {
	return &HealthHandler{pinger: pinger, backend: backend}
}

// ServeHTTP はバックエンドにPingし、成功すれば200、失敗すれば503を返す。
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Backend: h.backend}
	status := http.StatusOK

	if err := h.pinger.Ping(ctx); err != nil {
		slog.Warn("health check failed",
			slog.String("backend", h.backend),
			slog.String("error", err.Error()),
		)
		resp.Status = "unavailable"
		resp.Error = "backend unreachable"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
