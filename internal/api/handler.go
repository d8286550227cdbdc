package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/tenmo-ledger/internal/domain"
	"github.com/punchamoorthee/tenmo-ledger/internal/service"
	"github.com/punchamoorthee/tenmo-ledger/internal/store"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	service *service.TransferService
	keys    store.IdempotencyStore
	logger  *zap.Logger
}

func NewHandler(svc *service.TransferService, keys store.IdempotencyStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: svc, keys: keys, logger: logger}
}

// NewRouter wires every endpoint. Routes under /api/v1 require X-User-ID.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestID, h.instrument)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.actingUser)
	v1.HandleFunc("/balance", h.GetBalanceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/users", h.ListUsersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transfers", h.ListTransfersHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/pending", h.ListPendingHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/send", h.SendHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/request", h.RequestHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id:[0-9]+}", h.GetTransferHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{id:[0-9]+}/approve", h.ApproveHandler).Methods(http.MethodPut)
	v1.HandleFunc("/transfers/{id:[0-9]+}/reject", h.RejectHandler).Methods(http.MethodPut)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondWithError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// statusFor maps a ledger error to its HTTP status and client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrIdempotencyConflict):
		return http.StatusConflict, "request processing in progress"
	case errors.Is(err, store.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "idempotency key reused with a different payload"
	}

	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity, domain.Message(err, "invalid request")
	case domain.KindNotFound:
		return http.StatusNotFound, domain.Message(err, "not found")
	case domain.KindForbidden:
		return http.StatusForbidden, domain.Message(err, "forbidden")
	case domain.KindInvalidTransition:
		return http.StatusConflict, domain.Message(err, "invalid transition")
	case domain.KindInsufficientFunds:
		return http.StatusUnprocessableEntity, domain.Message(err, "insufficient funds")
	case domain.KindTransient:
		return http.StatusServiceUnavailable, domain.ErrTransient.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respondWithError(w, code, msg)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondWithRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
