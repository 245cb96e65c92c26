package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/OmarB97/trynano-server/internal/service"
	"github.com/OmarB97/trynano-server/internal/util"
)

// maxBodyBytes caps request bodies; every request is a handful of short strings.
const maxBodyBytes = 16 << 10

var errInternal = errors.New("internal server error")

// FaucetService is the operation surface the HTTP layer drives.
type FaucetService interface {
	CreateWallets(ctx context.Context) (*service.CreateWalletsResponse, error)
	Send(ctx context.Context, req service.SendRequest) (*service.SendResponse, error)
	Receive(ctx context.Context, req service.ReceiveRequest) (*service.ReceiveResponse, error)
	GetFromFaucet(ctx context.Context, req service.FaucetRequest, sourceIP string) (*service.FaucetResponse, error)
	ReceivePendingFaucetTransactions(ctx context.Context) (*service.ReceiveResponse, error)
}

// FaucetHandler handles the wallet and faucet endpoints.
type FaucetHandler struct {
	faucet   FaucetService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewFaucetHandler(faucet FaucetService, logger *zap.Logger) *FaucetHandler {
	return &FaucetHandler{
		faucet:   faucet,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Response is the envelope for error bodies. Successful calls return the
// operation result unwrapped.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers the faucet routes.
func (h *FaucetHandler) RegisterRoutes(r chi.Router) {
	r.Post("/createWallets", h.CreateWallets)
	r.Post("/send", h.Send)
	r.Post("/receive", h.Receive)
	r.Post("/getFromFaucet", h.GetFromFaucet)
	r.Post("/receivePendingFaucetTransactions", h.ReceivePendingFaucetTransactions)
}

// CreateWallets handles POST /createWallets.
func (h *FaucetHandler) CreateWallets(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	resp, err := h.faucet.CreateWallets(r.Context())
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to create wallets")
		return
	}

	h.respondWithJSON(w, http.StatusOK, resp)
	h.logger.Info("Wallets created via HTTP",
		util.Int("count", len(resp.Wallets)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Send handles POST /send.
func (h *FaucetHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req service.SendRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.faucet.Send(r.Context(), req)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to send")
		return
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

// Receive handles POST /receive.
func (h *FaucetHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req service.ReceiveRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.faucet.Receive(r.Context(), req)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to receive")
		return
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

// GetFromFaucet handles POST /getFromFaucet.
func (h *FaucetHandler) GetFromFaucet(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.FaucetRequest
	if !h.decode(w, r, &req) {
		return
	}

	ip := util.ClientIP(r)
	resp, err := h.faucet.GetFromFaucet(r.Context(), req, ip)
	if err != nil {
		var ineligible *service.IneligibleError
		if errors.As(err, &ineligible) && ineligible.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ineligible.RetryAfter.Seconds()))))
		}
		h.respondWithServiceError(w, err, "Failed to get from faucet")
		return
	}

	h.respondWithJSON(w, http.StatusOK, resp)
	h.logger.Info("Faucet payout via HTTP",
		util.String("ip", ip),
		util.Uint64("faucet_balance", resp.Balance),
		util.Duration("duration", time.Since(startTime)),
	)
}

// ReceivePendingFaucetTransactions handles POST /receivePendingFaucetTransactions.
func (h *FaucetHandler) ReceivePendingFaucetTransactions(w http.ResponseWriter, r *http.Request) {
	resp, err := h.faucet.ReceivePendingFaucetTransactions(r.Context())
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to receive faucet transactions")
		return
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *FaucetHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			err = validationError(verrs[0])
		}
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	return true
}

func validationError(fe validator.FieldError) error {
	switch fe.StructNamespace() {
	case "SendRequest.Amount.Raw":
		return service.ErrInvalidAmount
	}
	if fe.Tag() == "required" {
		return errors.New(fe.Field() + " is required")
	}
	return errors.New(fe.Field() + " is invalid")
}

func (h *FaucetHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	respondWithJSON(h.logger, w, statusCode, data)
}

func (h *FaucetHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// respondWithServiceError maps err to a status code. Server-side failures
// are logged in full and reported without detail.
func (h *FaucetHandler) respondWithServiceError(w http.ResponseWriter, err error, message string) {
	statusCode := getStatusCode(err)
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error(message, util.ErrorField(err))
		h.respondWithJSON(w, statusCode, errorResponse(errInternal, message))
		return
	}
	h.respondWithError(w, statusCode, err, message)
}

// getStatusCode determines the HTTP status code for a service error.
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidAddress),
		errors.Is(err, service.ErrUnauthorized),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInsufficientFunds),
		errors.Is(err, service.ErrIneligible):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondWithJSON(logger *zap.Logger, w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}
