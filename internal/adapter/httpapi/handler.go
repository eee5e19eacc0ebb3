// Package httpapi serves the read-only ops HTTP surface: health, metrics and payment lookups.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/metrics"
	"github.com/simaogato/payrecon-backend/internal/usecase/report"
)

// Handler serves payment lookups
type Handler struct {
	IntentRepo     domain.PaymentIntentRepository
	SummaryService *report.SummaryService
	Token          string
	Logger         *slog.Logger
}

// NewHandler creates a new Handler instance
func NewHandler(intentRepo domain.PaymentIntentRepository, summaryService *report.SummaryService, token string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		IntentRepo:     intentRepo,
		SummaryService: summaryService,
		Token:          token,
		Logger:         logger,
	}
}

// Router wires the ops routes. /healthz and /metrics are open; /v1 requires the bearer token.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(h.requireToken)
	v1.HandleFunc("/payments/{id}", h.GetPayment).Methods(http.MethodGet)
	v1.HandleFunc("/summary", h.GetSummary).Methods(http.MethodGet)
	return r
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type paymentView struct {
	ID               string  `json:"id"`
	Reference        string  `json:"reference"`
	CustomerID       string  `json:"customer_id"`
	Status           string  `json:"status"`
	RequiredAmount   string  `json:"required_amount"`
	FiatTotal        string  `json:"fiat_total"`
	Address          string  `json:"address"`
	DestinationKind  string  `json:"destination_kind"`
	CreatedAt        string  `json:"created_at"`
	ExpiresAt        string  `json:"expires_at"`
	RetryCount       int     `json:"retry_count"`
	MatchedSignature *string `json:"matched_signature,omitempty"`
	ReceivedAmount   *string `json:"received_amount,omitempty"`
}

// GetPayment returns one payment intent
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/v1/payments/{id}"
	timer := prometheus.NewTimer(metrics.HTTPLatency.WithLabelValues(http.MethodGet, endpoint))
	defer timer.ObserveDuration()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid payment id", endpoint)
		return
	}

	intent, err := h.IntentRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrIntentNotFound) {
			h.respondError(w, http.StatusNotFound, "payment not found", endpoint)
			return
		}
		h.Logger.Error("failed to get payment", "intent_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error", endpoint)
		return
	}

	view := paymentView{
		ID:               intent.ID.String(),
		Reference:        intent.Reference,
		CustomerID:       intent.CustomerID,
		Status:           string(intent.Status),
		RequiredAmount:   intent.RequiredAmount.StringFixed(6),
		FiatTotal:        intent.FiatTotal.StringFixed(2),
		Address:          intent.Destination.Address(),
		DestinationKind:  string(intent.Destination.Kind),
		CreatedAt:        intent.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:        intent.ExpiresAt.UTC().Format(time.RFC3339),
		RetryCount:       intent.RetryCount,
		MatchedSignature: intent.MatchedSignature,
	}
	if intent.ReceivedAmount != nil {
		received := intent.ReceivedAmount.String()
		view.ReceivedAmount = &received
	}

	metrics.RPCRequests.WithLabelValues("http", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, view)
}

// GetSummary returns intent counts per status
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/v1/summary"
	timer := prometheus.NewTimer(metrics.HTTPLatency.WithLabelValues(http.MethodGet, endpoint))
	defer timer.ObserveDuration()

	summary, err := h.SummaryService.GetSummary(r.Context())
	if err != nil {
		h.Logger.Error("failed to get summary", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error", endpoint)
		return
	}

	byStatus := make(map[string]int, len(summary.ByStatus))
	for st, n := range summary.ByStatus {
		byStatus[string(st)] = n
	}
	metrics.RPCRequests.WithLabelValues("http", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"by_status":            byStatus,
		"open":                 summary.Open,
		"needs_attention":      summary.NeedsAttention,
		"queued_compensations": summary.QueuedCompensations,
	})
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.Token)) != 1 {
			h.respondError(w, http.StatusUnauthorized, "unauthorized", "/v1")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, endpoint string) {
	metrics.RPCRequests.WithLabelValues("http", endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
