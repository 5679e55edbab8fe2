package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/paybychance/paybychance/internal/middleware"
	"github.com/sirupsen/logrus"
)

type RouterDeps struct {
	Auth           *AuthHandlers
	Proxy          *ProxyHandlers
	AuthMiddleware *middleware.AuthMiddleware
	CSRF           *middleware.CSRF
	Logger         *logrus.Logger
}

// NewRouter lays out the backend endpoints the client talks to.
func NewRouter(d RouterDeps) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware)
	router.Use(middleware.LoggingMiddleware(d.Logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	jwtAuth := router.PathPrefix("/jwt-auth/v1").Subrouter()
	jwtAuth.HandleFunc("/token", d.Auth.Login).Methods("POST", "OPTIONS")
	jwtAuth.Handle("/token/validate", d.AuthMiddleware.RequireAuth(http.HandlerFunc(d.Auth.Validate))).Methods("POST", "OPTIONS")

	router.Handle("/wp/v2/users/me", d.AuthMiddleware.RequireAuth(http.HandlerFunc(d.Auth.Me))).Methods("GET", "OPTIONS")

	proxy := router.PathPrefix("/context-proxy/v1").Subrouter()
	proxy.Use(d.CSRF.Middleware)
	proxy.HandleFunc("/csrf", d.Auth.CSRF).Methods("GET", "OPTIONS")
	proxy.HandleFunc("/refresh", d.Auth.Refresh).Methods("POST", "OPTIONS")
	proxy.HandleFunc("/logout", d.Auth.Logout).Methods("POST", "OPTIONS")

	session := proxy.PathPrefix("/").Subrouter()
	session.Use(d.AuthMiddleware.RequireSession)
	session.HandleFunc("/action", d.Proxy.Action).Methods("POST", "OPTIONS")
	session.HandleFunc("/proxy", d.Proxy.Proxy).Methods("POST", "OPTIONS")
	session.HandleFunc("/vendor/summary", d.Proxy.VendorSummary).Methods("GET", "OPTIONS")
	session.HandleFunc("/squad/initiate", d.Proxy.SquadInitiate).Methods("POST", "OPTIONS")
	session.HandleFunc("/squad/verify", d.Proxy.SquadVerify).Methods("POST", "OPTIONS")

	return router
}
