package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ecobank/hivemint/internal/domain"
	"github.com/ecobank/hivemint/internal/hive"
	"github.com/ecobank/hivemint/internal/service"
	"github.com/ecobank/hivemint/internal/store"
	"github.com/ecobank/hivemint/internal/vault"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hivemint_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hivemint_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 15},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store       *store.Store
	reconciler  *service.Reconciler
	coordinator *service.Coordinator
	vault       *vault.Vault
	log         *zap.Logger
}

func NewHandler(s *store.Store, rec *service.Reconciler, coord *service.Coordinator, v *vault.Vault, log *zap.Logger) *Handler {
	return &Handler{store: s, reconciler: rec, coordinator: coord, vault: v, log: log}
}

// Routes mounts the full API surface on r.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/health", h.HealthHandler).Methods("GET")
	r.HandleFunc("/webhooks/paypal", h.WebhookHandler).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(h.requireUser)
	apiV1.HandleFunc("/orders", h.CreateOrderHandler).Methods("POST")
	apiV1.HandleFunc("/orders/{id}/capture", h.CaptureOrderHandler).Methods("POST")
	apiV1.HandleFunc("/balance", h.BalanceHandler).Methods("GET")
	apiV1.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts", h.ListAccountsHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/import", h.ImportAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{name}/reveal", h.RevealKeysHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{name}", h.DeleteAccountHandler).Methods("DELETE")
}

type userKeyType struct{}

var userKey userKeyType

// requireUser reads the authenticated user id set by the upstream proxy.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || id < 1 {
			respondWithError(w, http.StatusUnauthorized, "Missing or invalid X-User-ID header")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), id)))
	})
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/orders"))
	defer timer.ObserveDuration()
	userID := userFrom(r.Context())

	var req struct {
		Quantity int64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/orders", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.Quantity < 1 || req.Quantity > 100 {
		httpRequestsTotal.WithLabelValues("POST", "/orders", "422").Inc()
		respondWithError(w, http.StatusUnprocessableEntity, "Quantity must be between 1 and 100")
		return
	}

	order, err := h.reconciler.CreateOrder(r.Context(), userID, req.Quantity)
	if err != nil {
		h.log.Error("create order failed", zap.Int64("user_id", userID), zap.Error(err))
		httpRequestsTotal.WithLabelValues("POST", "/orders", "502").Inc()
		respondWithError(w, http.StatusBadGateway, "Payment processor unavailable")
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/orders", "201").Inc()
	respondWithJSON(w, http.StatusCreated, order)
}

func (h *Handler) CaptureOrderHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/orders/{id}/capture"))
	defer timer.ObserveDuration()
	userID := userFrom(r.Context())
	orderID := mux.Vars(r)["id"]

	balance, err := h.reconciler.Capture(r.Context(), userID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			httpRequestsTotal.WithLabelValues("POST", "/orders/{id}/capture", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Order not found")
		case domain.IsTransient(err):
			httpRequestsTotal.WithLabelValues("POST", "/orders/{id}/capture", "502").Inc()
			respondWithError(w, http.StatusBadGateway, "Payment processor unavailable, retry later")
		default:
			h.log.Warn("capture rejected", zap.String("order_id", orderID), zap.Error(err))
			httpRequestsTotal.WithLabelValues("POST", "/orders/{id}/capture", "422").Inc()
			respondWithError(w, http.StatusUnprocessableEntity, "Payment not completed")
		}
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/orders/{id}/capture", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// WebhookHandler accepts processor notifications. It always returns 200
// for verified events so the processor stops redelivering; failures are
// retried through redelivery of unacknowledged events.
func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/webhooks/paypal"))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/webhooks/paypal", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Stream read error")
		return
	}

	if err := h.reconciler.HandleWebhook(r.Context(), r.Header, body); err != nil {
		h.log.Warn("webhook rejected", zap.Error(err))
		httpRequestsTotal.WithLabelValues("POST", "/webhooks/paypal", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Webhook rejected")
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/webhooks/paypal", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *Handler) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	balance, err := h.store.CurrentBalance(r.Context(), userID)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/balance", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	events, err := h.store.ListEvents(r.Context(), userID, 50)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/balance", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/balance", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"balance": balance,
		"events":  events,
	})
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/accounts"))
	defer timer.ObserveDuration()
	userID := userFrom(r.Context())

	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/accounts", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	res, acct, err := h.coordinator.BeginCreation(r.Context(), userID, req.Name, req.Password)
	if err != nil && !errors.Is(err, domain.ErrReservationRefunded) {
		switch {
		case errors.Is(err, domain.ErrInvalidAccountName):
			httpRequestsTotal.WithLabelValues("POST", "/accounts", "422").Inc()
			respondWithError(w, http.StatusUnprocessableEntity, "Invalid account name")
		case errors.Is(err, domain.ErrAccountNameTaken):
			httpRequestsTotal.WithLabelValues("POST", "/accounts", "409").Inc()
			respondWithError(w, http.StatusConflict, "Account name already taken")
		case errors.Is(err, domain.ErrInsufficientCredits):
			httpRequestsTotal.WithLabelValues("POST", "/accounts", "402").Inc()
			respondWithError(w, http.StatusPaymentRequired, "Insufficient credits")
		case errors.Is(err, domain.ErrReservationActive):
			httpRequestsTotal.WithLabelValues("POST", "/accounts", "409").Inc()
			respondWithError(w, http.StatusConflict, "Account creation already in progress")
		case errors.Is(err, domain.ErrNoTickets):
			httpRequestsTotal.WithLabelValues("POST", "/accounts", "503").Inc()
			respondWithError(w, http.StatusServiceUnavailable, "No account tickets available, retry later")
		default:
			h.log.Error("account creation failed",
				zap.Int64("user_id", userID), zap.String("name", req.Name), zap.Error(err))
			httpRequestsTotal.WithLabelValues("POST", "/accounts", "500").Inc()
			respondWithError(w, http.StatusInternalServerError, "Account creation failed, credits refunded")
		}
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/accounts", "201").Inc()
	respondWithJSON(w, http.StatusCreated, map[string]any{
		"account":     acct,
		"reservation": res,
	})
}

// ImportAccountHandler brings an existing chain account under custody.
// The caller supplies its private keys, which are verified against the
// account's on-chain authorities before being sealed and stored.
func (h *Handler) ImportAccountHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/accounts/import"))
	defer timer.ObserveDuration()
	userID := userFrom(r.Context())

	var req struct {
		Name string            `json:"name"`
		Keys map[string]string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/accounts/import", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	wifs := make(map[hive.Role]string, len(req.Keys))
	for role, wif := range req.Keys {
		wifs[hive.Role(role)] = wif
	}

	acct, err := h.coordinator.ImportAccount(r.Context(), userID, req.Name, wifs)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidAccountName):
			httpRequestsTotal.WithLabelValues("POST", "/accounts/import", "422").Inc()
			respondWithError(w, http.StatusUnprocessableEntity, "Invalid account name")
		case errors.Is(err, domain.ErrAccountNotFound):
			httpRequestsTotal.WithLabelValues("POST", "/accounts/import", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Account not found on chain")
		case errors.Is(err, domain.ErrKeyMismatch):
			httpRequestsTotal.WithLabelValues("POST", "/accounts/import", "422").Inc()
			respondWithError(w, http.StatusUnprocessableEntity, "Key does not match on-chain authority")
		case errors.Is(err, domain.ErrAccountNameTaken):
			httpRequestsTotal.WithLabelValues("POST", "/accounts/import", "409").Inc()
			respondWithError(w, http.StatusConflict, "Account already imported")
		case domain.IsTransient(err):
			httpRequestsTotal.WithLabelValues("POST", "/accounts/import", "502").Inc()
			respondWithError(w, http.StatusBadGateway, "Chain node unavailable, retry later")
		default:
			h.log.Error("account import failed",
				zap.Int64("user_id", userID), zap.String("name", req.Name), zap.Error(err))
			httpRequestsTotal.WithLabelValues("POST", "/accounts/import", "500").Inc()
			respondWithError(w, http.StatusInternalServerError, "Account import failed")
		}
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/accounts/import", "201").Inc()
	respondWithJSON(w, http.StatusCreated, acct)
}

func (h *Handler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	accounts, err := h.store.ListAccounts(r.Context(), userID)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/accounts", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/accounts", "200").Inc()
	respondWithJSON(w, http.StatusOK, accounts)
}

// RevealKeysHandler decrypts and returns an account's key set. Plaintext
// keys exist only in this response, never in logs or metrics.
func (h *Handler) RevealKeysHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	name := mux.Vars(r)["name"]

	acct, err := h.store.GetAccountByName(r.Context(), name)
	if err != nil || acct.OwnerUserID != userID {
		httpRequestsTotal.WithLabelValues("POST", "/accounts/{name}/reveal", "404").Inc()
		respondWithError(w, http.StatusNotFound, "Account not found")
		return
	}

	plaintext, err := h.vault.Unseal(acct.EncryptedKeys)
	if err != nil {
		h.log.Error("unseal failed", zap.String("account", name), zap.Error(err))
		httpRequestsTotal.WithLabelValues("POST", "/accounts/{name}/reveal", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Key material unavailable")
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/accounts/{name}/reveal", "200").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"name":`))
	nameJSON, _ := json.Marshal(acct.Name)
	w.Write(nameJSON)
	w.Write([]byte(`,"keys":`))
	w.Write(plaintext)
	w.Write([]byte(`}`))
}

// DeleteAccountHandler removes the stored record and its sealed keys.
// The chain account itself is permanent.
func (h *Handler) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	name := mux.Vars(r)["name"]

	if err := h.store.DeleteAccount(r.Context(), name, userID); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			httpRequestsTotal.WithLabelValues("DELETE", "/accounts/{name}", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Account not found")
			return
		}
		httpRequestsTotal.WithLabelValues("DELETE", "/accounts/{name}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("DELETE", "/accounts/{name}", "204").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
