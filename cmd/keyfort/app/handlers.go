// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keyfort/keyfort/pkg/auth"
	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/identity"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/monitoring"
	"github.com/keyfort/keyfort/pkg/token"
)

// newRouter mounts the JSON surface over the auth core. The surface is a
// thin passthrough: handlers decode the request, call one orchestrator
// operation, and render its result verbatim.
func newRouter(svc *auth.Service, prom *monitoring.PrometheusSink) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", handleHealth(svc))
	if prom != nil {
		r.Handle("/metrics", prom.Handler())
	}

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/login", handleLogin(svc))
		r.Post("/register", handleRegister(svc))
		r.Post("/refresh", handleRefresh(svc))

		r.Group(func(r chi.Router) {
			r.Use(svc.Middleware())
			r.Post("/logout", handleLogout(svc))
			r.Get("/verify", handleVerify)
		})
	})

	r.Route("/v1/users", func(r chi.Router) {
		r.Use(svc.Middleware())
		r.With(svc.RequirePermission("read", "user")).Get("/{id}", handleGetUser(svc))
		r.With(svc.RequirePermission("update", "user")).Put("/{id}", handleUpdateUser(svc))
		r.With(svc.RequirePermission("delete", "user")).Delete("/{id}", handleDeleteUser(svc))
	})

	return r
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceInfo string `json:"deviceInfo"`
}

func handleLogin(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res := svc.Login(r.Context(), auth.LoginInput{
			Email:      req.Email,
			Password:   req.Password,
			DeviceInfo: req.DeviceInfo,
			IPAddress:  clientIP(r),
			UserAgent:  r.UserAgent(),
		})
		writeResult(w, res, http.StatusOK)
	}
}

type registerRequest struct {
	Email     string            `json:"email"`
	Password  string            `json:"password"`
	FirstName string            `json:"firstName"`
	LastName  string            `json:"lastName"`
	Roles     []string          `json:"roles"`
	Metadata  map[string]string `json:"metadata"`
}

func handleRegister(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res := svc.Register(r.Context(), auth.RegisterInput{
			Email:     req.Email,
			Password:  req.Password,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Roles:     req.Roles,
			Metadata:  req.Metadata,
		})
		writeResult(w, res, http.StatusCreated)
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func handleRefresh(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		writeResult(w, svc.RefreshToken(r.Context(), req.RefreshToken), http.StatusOK)
	}
}

type logoutRequest struct {
	// SessionID ends one session; the presented token is revoked with it.
	// Without it the logout is global: every token and session of the user.
	SessionID string `json:"sessionId"`
}

func handleLogout(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := identity.FromContext(r.Context())
		if !ok {
			writeResult(w, auth.Result{Code: kferrors.CodeUnauthorized, Error: "authentication required"}, http.StatusOK)
			return
		}

		var req logoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeInvalidBody(w)
			return
		}

		in := auth.LogoutInput{UserID: user.ID}
		if req.SessionID != "" {
			in.SessionID = req.SessionID
			if raw, err := bearerFrom(r); err == nil {
				in.Token = raw
			}
		}
		writeResult(w, svc.Logout(r.Context(), in), http.StatusOK)
	}
}

func handleVerify(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.FromContext(r.Context())
	if !ok {
		writeResult(w, auth.Result{Code: kferrors.CodeUnauthorized, Error: "authentication required"}, http.StatusOK)
		return
	}
	writeResult(w, auth.Result{Success: true, User: user}, http.StatusOK)
}

func handleGetUser(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, svc.GetUserByID(r.Context(), chi.URLParam(r, "id")), http.StatusOK)
	}
}

type updateUserRequest struct {
	Email     *string           `json:"email"`
	FirstName *string           `json:"firstName"`
	LastName  *string           `json:"lastName"`
	Active    *bool             `json:"active"`
	Roles     []string          `json:"roles"`
	Metadata  map[string]string `json:"metadata"`
}

func handleUpdateUser(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateUserRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res := svc.UpdateUser(r.Context(), chi.URLParam(r, "id"), auth.UpdateUserInput{
			Email:     req.Email,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Active:    req.Active,
			Roles:     req.Roles,
			Metadata:  req.Metadata,
		})
		writeResult(w, res, http.StatusOK)
	}
}

func handleDeleteUser(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, svc.DeleteUser(r.Context(), chi.URLParam(r, "id")), http.StatusOK)
	}
}

func handleHealth(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := svc.HealthCheck(r.Context())
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(h); err != nil {
			logger.Warnw("Failed to encode health response", "error", err)
		}
	}
}

// writeResult renders an orchestrator result. Failures map their code to
// the HTTP status; successes use okStatus.
func writeResult(w http.ResponseWriter, res auth.Result, okStatus int) {
	w.Header().Set("Content-Type", "application/json")
	status := okStatus
	if !res.Success {
		status = res.Code.HTTPStatus()
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		logger.Warnw("Failed to encode response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeInvalidBody(w)
		return false
	}
	return true
}

func writeInvalidBody(w http.ResponseWriter) {
	writeResult(w, auth.Result{Code: kferrors.CodeValidationError, Error: "invalid request body"}, http.StatusOK)
}

// clientIP trusts RemoteAddr, which the RealIP middleware has already
// rewritten from the forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerFrom re-extracts the raw credential the middleware admitted.
func bearerFrom(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return token.ExtractBearer(h)
	}
	if raw, ok := token.FromQuery(r.URL.Query()); ok {
		return raw, nil
	}
	return "", errors.New("no credential in request")
}
