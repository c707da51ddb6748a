package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/ledgerengine/internal/api/middleware"
	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/logger"
	"github.com/punchamoorthee/ledgerengine/internal/service"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerUserID         = "X-User-ID"
	headerCapability     = "X-Capability"
	headerChannel        = "X-Channel"
	headerReplayed       = "Idempotent-Replayed"

	capabilityElevated = "elevated"
	maxBodyBytes       = 1 << 20
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

// Engine is the money-movement surface the handlers call.
type Engine interface {
	Transfer(ctx context.Context, caller domain.Caller, req domain.TransferRequest) (service.Receipt, error)
	Deposit(ctx context.Context, caller domain.Caller, req domain.MovementRequest) (service.Receipt, error)
	Withdraw(ctx context.Context, caller domain.Caller, req domain.MovementRequest) (service.Receipt, error)
	OpenAccount(ctx context.Context, caller domain.Caller, ownerID, currency string) (*domain.Account, error)
	GetAccount(ctx context.Context, caller domain.Caller, id string) (*domain.Account, error)
	DeactivateAccount(ctx context.Context, caller domain.Caller, id string) (*domain.Account, error)
	History(ctx context.Context, caller domain.Caller, q service.HistoryQuery) (service.HistoryPage, error)
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker func(ctx context.Context) error

type Handler struct {
	engine Engine
	health HealthChecker
}

func NewHandler(engine Engine, health HealthChecker) *Handler {
	return &Handler{engine: engine, health: health}
}

// Router builds the HTTP surface with the middleware chain applied.
func (h *Handler) Router(log zerolog.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger(log), middleware.Recovery(log))

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/transfers", h.instrument("/transfers", h.CreateTransferHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/deposits", h.instrument("/deposits", h.CreateDepositHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/withdrawals", h.instrument("/withdrawals", h.CreateWithdrawalHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/accounts", h.instrument("/accounts", h.CreateAccountHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.instrument("/accounts/{id}", h.GetAccountHandler)).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/deactivate", h.instrument("/accounts/{id}/deactivate", h.DeactivateAccountHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/transactions", h.instrument("/accounts/{id}/transactions", h.GetAccountTransactionsHandler)).Methods(http.MethodGet)
	return r
}

func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(sw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// callerFrom reads the authenticated identity set by the upstream gateway.
func callerFrom(r *http.Request) (domain.Caller, error) {
	userID := strings.TrimSpace(r.Header.Get(headerUserID))
	if userID == "" {
		return domain.Caller{}, domain.Newf(domain.CodeUnauthenticated, domain.ReasonUnauthenticated, domain.ErrUnauthenticated,
			"missing %s header", headerUserID)
	}
	channel := r.Header.Get(headerChannel)
	if channel == "" {
		channel = "api"
	}
	return domain.Caller{
		UserID:   userID,
		Elevated: strings.EqualFold(r.Header.Get(headerCapability), capabilityElevated),
		Channel:  channel,
	}, nil
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeFailedPrecondition:
		return http.StatusUnprocessableEntity
	case domain.CodeAlreadyExists:
		return http.StatusConflict
	}
	if errors.Is(err, domain.ErrWriteConflict) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code"`
	ErrorReason  string `json:"error_reason,omitempty"`
	ErrorMessage string `json:"error_message"`
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{ErrorCode: string(domain.CodeOf(err))}

	var de *domain.Error
	if errors.As(err, &de) {
		resp.ErrorReason = de.Reason
		resp.ErrorMessage = de.Message
	}
	if status == http.StatusInternalServerError {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		resp.ErrorMessage = "internal error"
	}
	respondWithJSON(w, status, resp)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
