package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/paybychance/paybychance/internal/middleware"
	"github.com/paybychance/paybychance/internal/service"
	"github.com/sirupsen/logrus"
)

const bankActionPath = "/wp-json/nocash-bank/v1/action"

type ProxyHandlers struct {
	actions *service.ActionService
	logger  *logrus.Logger
}

func NewProxyHandlers(actions *service.ActionService, logger *logrus.Logger) *ProxyHandlers {
	return &ProxyHandlers{
		actions: actions,
		logger:  logger,
	}
}

type ProxyRequest struct {
	Path   string         `json:"path"`
	Method string         `json:"method"`
	Body   map[string]any `json:"body"`
}

// Action runs {action_type, ...params}. Failures answer with the action's
// HTTP status.
func (h *ProxyHandlers) Action(w http.ResponseWriter, r *http.Request) {
	params, ok := decodeParams(w, r)
	if !ok {
		return
	}
	actionType, _ := params["action_type"].(string)
	delete(params, "action_type")

	result, err := h.actions.Dispatch(h.username(r), actionType, params)
	if err != nil {
		status, _ := actionStatus(err)
		h.logger.WithError(err).WithField("action_type", actionType).Debug("Action failed")
		respondWithError(w, status, "ACTION_FAILED", err.Error())
		return
	}
	respondWithEnvelope(w, true, http.StatusOK, result)
}

// Proxy forwards to the bank plugin. Upstream failures are reported inside
// the envelope with ok=false.
func (h *ProxyHandlers) Proxy(w http.ResponseWriter, r *http.Request) {
	var req ProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if req.Path != bankActionPath {
		respondWithEnvelope(w, false, http.StatusNotFound, map[string]string{"message": "Unknown upstream path"})
		return
	}
	actionType, _ := req.Body["action_type"].(string)

	result, err := h.actions.Bank(h.username(r), actionType, req.Body)
	if err != nil {
		status, _ := actionStatus(err)
		respondWithEnvelope(w, false, status, map[string]string{"message": messageOf(err)})
		return
	}
	respondWithEnvelope(w, true, http.StatusOK, result)
}

func (h *ProxyHandlers) VendorSummary(w http.ResponseWriter, r *http.Request) {
	merchantID := r.URL.Query().Get("merchant_id")
	if merchantID == "" {
		merchantID = "11"
	}
	respondWithEnvelope(w, true, http.StatusOK, h.actions.WalletSummary(merchantID))
}

func (h *ProxyHandlers) SquadInitiate(w http.ResponseWriter, r *http.Request) {
	params, ok := decodeParams(w, r)
	if !ok {
		return
	}
	result, err := h.actions.InitiatePayment(h.username(r), params)
	if err != nil {
		status, _ := actionStatus(err)
		respondWithError(w, status, "PAYMENT_FAILED", err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: map[string]any{"data": result}})
}

func (h *ProxyHandlers) SquadVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Reference is required")
		return
	}
	result, err := h.actions.VerifyTransaction(h.username(r), req.Reference)
	if err != nil {
		status, _ := actionStatus(err)
		respondWithError(w, status, "VERIFY_FAILED", err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: result})
}

func (h *ProxyHandlers) username(r *http.Request) string {
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		return claims.Username
	}
	return ""
}

func decodeParams(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	params := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return nil, false
	}
	return params, true
}

func actionStatus(err error) (int, bool) {
	var ae *service.ActionError
	if errors.As(err, &ae) {
		return ae.Status, true
	}
	return http.StatusInternalServerError, false
}

func messageOf(err error) string {
	if errors.Is(err, service.ErrInsufficientFunds) {
		return "Insufficient balance"
	}
	return err.Error()
}
