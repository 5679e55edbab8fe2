package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/paybychance/paybychance/internal/middleware"
	"github.com/paybychance/paybychance/internal/models"
	"github.com/paybychance/paybychance/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	userService  *service.UserService
	jwtService   *service.JWTService
	refreshStore service.RefreshStore
	logger       *logrus.Logger
}

func NewAuthHandlers(
	userService *service.UserService,
	jwtService *service.JWTService,
	refreshStore service.RefreshStore,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		userService:  userService,
		jwtService:   jwtService,
		refreshStore: refreshStore,
		logger:       logger,
	}
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Username and password are required")
		return
	}

	user, err := h.userService.Authenticate(username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			respondWithError(w, http.StatusForbidden, "INCORRECT_PASSWORD", "Invalid username or password")
			return
		}
		h.logger.WithError(err).Error("Failed to authenticate user")
		respondWithError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Failed to authenticate")
		return
	}

	access, ok := h.issue(w, r, user.String("user_login"), "")
	if !ok {
		return
	}

	h.logger.WithField("username", user.String("user_login")).Info("User logged in")
	respondWithJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data:    models.LoginResponse{Token: access, User: user},
	})
}

// Refresh rotates the refresh cookie. Presenting an already rotated token
// revokes its whole family.
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.RefreshCookieName)
	if err != nil || cookie.Value == "" {
		respondWithError(w, http.StatusUnauthorized, "MISSING_TOKEN", "Refresh cookie is required")
		return
	}

	claims, err := h.jwtService.VerifyToken(cookie.Value, service.TokenTypeRefresh)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid refresh token")
		return
	}

	data, err := h.refreshStore.Get(r.Context(), claims.ID)
	if err != nil {
		if !errors.Is(err, service.ErrRefreshTokenNotFound) {
			h.logger.WithError(err).Error("Failed to get refresh token data")
		}
		respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Unknown refresh token")
		return
	}
	if data.Revoked {
		h.logger.WithFields(logrus.Fields{
			"username":  data.Username,
			"family_id": data.FamilyID,
		}).Warn("Refresh token reuse detected, revoking family")
		if err := h.refreshStore.RevokeFamily(r.Context(), data.FamilyID); err != nil {
			h.logger.WithError(err).Error("Failed to revoke token family")
		}
		respondWithError(w, http.StatusUnauthorized, "TOKEN_REVOKED", "Refresh token has been revoked")
		return
	}

	if err := h.refreshStore.Revoke(r.Context(), claims.ID); err != nil {
		h.logger.WithError(err).Error("Failed to revoke rotated refresh token")
	}

	access, ok := h.issue(w, r, data.Username, data.FamilyID)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data:    models.RefreshResponse{Token: access},
	})
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.RefreshCookieName); err == nil && cookie.Value != "" {
		if claims, err := h.jwtService.VerifyToken(cookie.Value, service.TokenTypeRefresh); err == nil {
			if err := h.refreshStore.RevokeFamily(r.Context(), claims.FamilyID); err != nil {
				h.logger.WithError(err).Error("Failed to revoke token family")
			}
		}
	}

	h.clearRefreshCookie(w, r)
	middleware.ClearCSRFCookie(w, r)
	respondWithJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// CSRF issues a new double-submit token.
func (h *AuthHandlers) CSRF(w http.ResponseWriter, r *http.Request) {
	token := middleware.IssueCSRFCookie(w, r)
	respondWithJSON(w, http.StatusOK, models.CSRFResponse{OK: true, CSRF: token})
}

func (h *AuthHandlers) Validate(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"statusCode": http.StatusOK,
		"code":       "jwt_auth_valid_token",
	})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}
	profile, found := h.userService.Profile(claims.Username)
	if !found {
		respondWithError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return
	}
	respondWithJSON(w, http.StatusOK, profile)
}

// issue signs an access token and sets a new refresh cookie in familyID.
func (h *AuthHandlers) issue(w http.ResponseWriter, r *http.Request, username, familyID string) (string, bool) {
	access, err := h.jwtService.IssueAccessToken(username)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return "", false
	}
	refresh, data, err := h.jwtService.IssueRefreshToken(username, familyID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return "", false
	}
	if err := h.refreshStore.Store(r.Context(), data); err != nil {
		h.logger.WithError(err).Error("Failed to store refresh token")
		respondWithError(w, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate tokens")
		return "", false
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.RefreshCookieName,
		Value:    refresh,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  data.ExpiresAt,
	})
	return access, true
}

func (h *AuthHandlers) clearRefreshCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.RefreshCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
