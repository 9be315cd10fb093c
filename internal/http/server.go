package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"mealcredits/internal/auth"
	"mealcredits/internal/config"
	"mealcredits/internal/ledger"
	"mealcredits/internal/metrics"
	"mealcredits/internal/models"
	"mealcredits/internal/payments"
	"mealcredits/internal/services"
)

// Webhook bodies above 64KiB are rejected.
const maxWebhookBody = 65536

type Server struct {
	svc      *services.Service
	cfg      config.Config
	auth     auth.Authenticator
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewServer(svc *services.Service, cfg config.Config, authenticator auth.Authenticator, m *metrics.Metrics) *Server {
	s := &Server{svc: svc, cfg: cfg, auth: authenticator, metrics: m}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				log.Error().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", rvr).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if r.Header.Get("Connection") != "Upgrade" {
					respondError(w, http.StatusInternalServerError, fmt.Errorf("internal server error: %v", rvr))
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/prices", s.handleListPrices)
		r.Get("/freebie", s.handleGetFreebie)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.optionalAuth)

			r.Post("/generations/authorize", s.handleAuthorizeGeneration)

			r.Group(func(r chi.Router) {
				r.Use(requireUser)

				r.Post("/credits/ensure", s.handleEnsureCredits)
				r.Get("/credits/me", s.handleGetMyCredits)
				r.Get("/credits/history", s.handleCreditHistory)
				r.Get("/credits/stream", s.handleCreditStream)
				r.Post("/checkout", s.handleCreateCheckout)
			})
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(s.internalAPIKeyMiddleware)

			r.Get("/users/{id}/credits", s.handleInternalGetCredits)
			r.Get("/users/{id}/history", s.handleInternalHistory)
			r.Post("/users/{id}/grant", s.handleInternalGrant)
			r.Post("/devices/{id}/freebie/reset", s.handleInternalResetFreebie)
		})
	})

	return r
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-Client-Platform,X-Device-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPrices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"prices": s.svc.Prices()})
}

func (s *Server) handleGetFreebie(w http.ResponseWriter, r *http.Request) {
	has, err := s.svc.HasFreebie(r.Context(), r.Header.Get("X-Device-ID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"has_freebie": has})
}

type authorizeRequest struct {
	Kind    string   `json:"kind"`
	AdViews []string `json:"ad_views"`
}

func (s *Server) handleAuthorizeGeneration(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := s.svc.AuthorizeGeneration(r.Context(), services.GenerationRequest{
		Kind:       req.Kind,
		Platform:   models.ParsePlatform(r.Header.Get("X-Client-Platform")),
		User:       userFromContext(r.Context()),
		DeviceID:   r.Header.Get("X-Device-ID"),
		AdOutcomes: req.AdViews,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, decisionStatus(decision), decision)
}

func (s *Server) handleEnsureCredits(w http.ResponseWriter, r *http.Request) {
	bal, created, err := s.svc.EnsureCredits(r.Context(), *userFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]any{"balance": bal, "created": created})
}

func (s *Server) handleGetMyCredits(w http.ResponseWriter, r *http.Request) {
	bal, err := s.svc.GetCredits(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, bal)
}

func (s *Server) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	s.respondHistory(w, r, userFromContext(r.Context()).ID)
}

func (s *Server) respondHistory(w http.ResponseWriter, r *http.Request, userID string) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.svc.CreditHistory(r.Context(), userID, limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type checkoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.PriceID == "" || req.SuccessURL == "" || req.CancelURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("price_id, success_url and cancel_url are required"))
		return
	}
	sess, err := s.svc.CreateCheckout(r.Context(), *userFromContext(r.Context()), req.PriceID, req.SuccessURL, req.CancelURL)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := s.svc.SettleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrSignatureInvalid),
			errors.Is(err, payments.ErrMalformedEvent),
			errors.Is(err, payments.ErrMissingMetadata):
			respondError(w, http.StatusBadRequest, err)
		default:
			s.respondServiceError(w, r, err)
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"received": true, "status": outcome})
}

func (s *Server) handleInternalGetCredits(w http.ResponseWriter, r *http.Request) {
	bal, err := s.svc.GetCredits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, bal)
}

func (s *Server) handleInternalHistory(w http.ResponseWriter, r *http.Request) {
	s.respondHistory(w, r, chi.URLParam(r, "id"))
}

type grantRequest struct {
	Kind   string `json:"kind"`
	Amount int    `json:"amount"`
}

func (s *Server) handleInternalGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	bal, err := s.svc.GrantCredits(r.Context(), chi.URLParam(r, "id"), req.Kind, req.Amount)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, bal)
}

func (s *Server) handleInternalResetFreebie(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResetFreebie(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"has_freebie": true})
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, models.ErrInvalidKind),
		errors.Is(err, payments.ErrInvalidCheckout),
		errors.Is(err, payments.ErrUnknownPrice),
		errors.Is(err, payments.ErrCheckoutRejected):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, err)
	case errors.Is(err, ledger.ErrTransactionConflict):
		respondError(w, http.StatusConflict, errors.New("credits are busy, please try again"))
	case errors.Is(err, ledger.ErrHistoryUnsupported):
		respondError(w, http.StatusNotImplemented, err)
	case errors.Is(err, payments.ErrStripeNotConfigured), errors.Is(err, payments.ErrWebhookNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		log.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("internal server error")
		respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit")
	}
	return n, nil
}
