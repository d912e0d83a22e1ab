// Package api is the thin HTTP shell around the orchestration core: request
// bodies are assumed validated and identities authenticated upstream of the
// handlers here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pixelmint/pixelmint/internal/artifact"
	"github.com/pixelmint/pixelmint/internal/auth"
	"github.com/pixelmint/pixelmint/internal/billing"
	"github.com/pixelmint/pixelmint/internal/generate"
	"github.com/pixelmint/pixelmint/internal/ledger"
	"github.com/pixelmint/pixelmint/internal/storage"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Server wires the HTTP surface over the core components.
type Server struct {
	orchestrator *generate.Orchestrator
	ledger       *ledger.Ledger
	generations  *storage.GenerationStore
	persister    *artifact.Persister
	files        *artifact.FSStore
	webhooks     *billing.Processor
	authorizer   *auth.Authorizer
	logger       *zap.Logger
}

func NewServer(
	orchestrator *generate.Orchestrator,
	l *ledger.Ledger,
	generations *storage.GenerationStore,
	persister *artifact.Persister,
	files *artifact.FSStore,
	webhooks *billing.Processor,
	authorizer *auth.Authorizer,
	logger *zap.Logger,
) *Server {
	return &Server{
		orchestrator: orchestrator,
		ledger:       l,
		generations:  generations,
		persister:    persister,
		files:        files,
		webhooks:     webhooks,
		authorizer:   authorizer,
		logger:       logger,
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Generation requests poll providers for minutes.
	r.Use(middleware.Timeout(15 * time.Minute))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/files/*", s.handleFile)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/payment", s.handlePaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.userIdentity)
			r.Post("/generations", s.handleCreateGeneration)
			r.Get("/generations", s.handleListGenerations)
			r.Get("/generations/{id}", s.handleGetGeneration)
			r.Get("/credits/balance", s.handleBalance)
			r.Get("/credits/transactions", s.handleTransactions)
		})
	})

	return r
}

// userIdentity trusts the upstream-validated X-User-ID header and applies
// the allow-list.
func (s *Server) userIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || userID <= 0 {
			writeError(w, http.StatusUnauthorized, "missing or invalid user identity")
			return
		}
		if !s.authorizer.IsAllowed(userID) {
			writeError(w, http.StatusForbidden, "user is not authorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

type createGenerationRequest struct {
	Type     string                 `json:"type"`
	Prompt   string                 `json:"prompt"`
	ImageURL string                 `json:"image_url,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.orchestrator.Generate(r.Context(), generate.Request{
		UserID:   userFrom(r),
		Kind:     generate.Kind(req.Type),
		Prompt:   req.Prompt,
		ImageURL: req.ImageURL,
		Settings: req.Settings,
	})
	if err != nil {
		s.logger.Error("generation request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if result.Insufficient != nil {
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":     "insufficient_credits",
			"required":  result.Insufficient.Required,
			"current":   result.Insufficient.Current,
			"shortfall": result.Insufficient.Shortfall,
		})
		return
	}
	if result.Status == storage.GenerationFailed {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "generation_failed",
			"id":      result.GenerationID,
			"message": result.ErrorMessage,
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":           result.GenerationID,
		"status":       result.Status,
		"url":          result.StorageURL,
		"credits_used": result.CreditsUsed,
	})
}

type generationView struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	CreditsUsed  int64     `json:"credits_used"`
	Prompt       string    `json:"prompt"`
	URL          string    `json:"url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// view regenerates the signed URL on every read; stored URLs are never
// treated as permanently valid.
func (s *Server) view(gen storage.Generation) generationView {
	v := generationView{
		ID:           gen.ID,
		Type:         gen.GenerationType,
		Status:       string(gen.Status),
		CreditsUsed:  gen.CreditsUsed,
		Prompt:       gen.Prompt,
		ErrorMessage: gen.ErrorMessage,
		CreatedAt:    gen.CreatedAt,
	}
	if gen.Status == storage.GenerationCompleted && gen.StorageKey != "" {
		if url, err := s.persister.SignedURLFor(gen.StorageKey); err == nil {
			v.URL = url
		} else {
			s.logger.Warn("failed to sign artifact url", zap.String("key", gen.StorageKey), zap.Error(err))
		}
	}
	return v
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	gens, err := s.generations.ListByUser(r.Context(), userFrom(r), limit, offset)
	if err != nil {
		s.logger.Error("failed to list generations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]generationView, 0, len(gens))
	for _, gen := range gens {
		views = append(views, s.view(gen))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"generations": views})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	gen, err := s.generations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrGenerationNotFound) {
			writeError(w, http.StatusNotFound, "generation not found")
			return
		}
		s.logger.Error("failed to get generation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if gen.UserID != userFrom(r) {
		writeError(w, http.StatusNotFound, "generation not found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(*gen))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := s.ledger.GetOrCreate(r.Context(), userFrom(r))
	if err != nil {
		s.logger.Error("failed to load balance", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":         account.Balance,
		"lifetime_earned": account.LifetimeEarned,
		"lifetime_spent":  account.LifetimeSpent,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	rows, err := s.ledger.ListTransactions(r.Context(), userFrom(r), limit, offset)
	if err != nil {
		s.logger.Error("failed to list transactions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": rows})
}

type paymentWebhookRequest struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	UserID         int64      `json:"user_id"`
	Credits        int64      `json:"credits"`
	Description    string     `json:"description,omitempty"`
	BonusExpiresAt *time.Time `json:"bonus_expires_at,omitempty"`
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req paymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook body")
		return
	}

	res, err := s.webhooks.HandleEvent(r.Context(), billing.PaymentEvent{
		ID:             req.ID,
		Type:           billing.EventType(req.Type),
		UserID:         req.UserID,
		Credits:        req.Credits,
		Description:    req.Description,
		BonusExpiresAt: req.BonusExpiresAt,
	})
	if err != nil {
		s.logger.Warn("payment webhook rejected", zap.String("event_id", req.ID), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance_after": res.BalanceAfter,
		"duplicate":     res.Duplicate,
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil {
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}
	sig := r.URL.Query().Get("sig")
	if !s.files.Verify(key, expires, sig) {
		writeError(w, http.StatusForbidden, "invalid or expired signature")
		return
	}
	path, err := s.files.FilePath(key)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
