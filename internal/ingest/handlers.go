package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/medrex/referral-sync/internal/auth"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/types"
)

// maxBodyBytes bounds request bodies ahead of JSON decoding
const maxBodyBytes = 32 << 20

// Handlers exposes the ingest service over HTTP
type Handlers struct {
	service *Service
	auth    *auth.Middleware
	logger  *logger.Logger
}

// NewHandlers creates the HTTP handlers
func NewHandlers(service *Service, mw *auth.Middleware, log *logger.Logger) *Handlers {
	return &Handlers{
		service: service,
		auth:    mw,
		logger:  log,
	}
}

// RegisterRoutes registers the sync API under /api/v1
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.Handle("/auth/token", h.auth.RateLimit(http.HandlerFunc(h.tokenHandler))).Methods(http.MethodPost)

	sync := api.PathPrefix("/sync").Subrouter()
	sync.Use(h.auth.RequireDevice, h.auth.RateLimit)
	sync.HandleFunc("/push", h.pushHandler).Methods(http.MethodPost)
	sync.HandleFunc("/pull", h.pullHandler).Methods(http.MethodGet)

	h.logger.WithComponent("ingest").Info("Sync routes configured")
}

func (h *Handlers) tokenHandler(w http.ResponseWriter, r *http.Request) {
	var creds types.DeviceCredentials
	if err := decodeBody(w, r, &creds); err != nil {
		h.writeError(w, r, err)
		return
	}

	token, err := h.service.Login(r.Context(), &creds)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, token)
}

func (h *Handlers) pushHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req types.PushRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.service.Push(r.Context(), claims.DeviceID, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) pullHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	cursor, err := queryInt(r, "cursor")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.service.Pull(r.Context(), claims.DeviceID, cursor, int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.NewValidationError(types.ErrCodePayloadTooLarge, "request body too large", nil)
		}
		return types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", nil)
	}
	return nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, types.NewValidationError(types.ErrCodeInvalidInput, name+" must be an integer", nil)
	}
	return n, nil
}

// statusFor maps an error category to an HTTP status
func statusFor(err error) int {
	if errors.Is(err, types.ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	switch types.ErrorTypeOf(err) {
	case types.ErrorTypeValidation:
		return http.StatusBadRequest
	case types.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case types.ErrorTypeNotFound:
		return http.StatusNotFound
	case types.ErrorTypeConflict:
		return http.StatusConflict
	case types.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case types.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case types.ErrorTypeExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	code := types.ErrCodeInternalError
	message := "internal server error"
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		if status < http.StatusInternalServerError {
			message = appErr.Message
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).WithError(err).Error("Request failed")
	}

	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
