// Package api exposes the relay's HTTP surface: webhook ingress from
// the charting platform, the dispatch API polled by execution clients,
// the admin controls and the health endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"kabuto-relay/audit"
	"kabuto-relay/cache"
	"kabuto-relay/config"
	"kabuto-relay/database/signals"
	"kabuto-relay/notifications"
	"kabuto-relay/services"
)

// Server handles HTTP API requests
type Server struct {
	cfg       *config.Config
	db        *gorm.DB
	store     cache.Store
	signals   *signals.Repository
	dedup     *services.DedupService
	cooldown  *services.CooldownService
	market    *services.MarketHoursService
	killSw    *services.KillSwitchService
	blacklist *services.BlacklistService
	validator *services.ValidatorService
	risk      *services.RiskService
	csvLog    *audit.CSVLogger
	notifier  *notifications.Manager

	startedAt time.Time
	httpSrv   *http.Server
	now       func() time.Time
}

// NewServer creates a new API server instance
func NewServer(
	cfg *config.Config,
	db *gorm.DB,
	store cache.Store,
	signalsRepo *signals.Repository,
	dedup *services.DedupService,
	cooldown *services.CooldownService,
	market *services.MarketHoursService,
	killSw *services.KillSwitchService,
	blacklist *services.BlacklistService,
	validator *services.ValidatorService,
	risk *services.RiskService,
	csvLog *audit.CSVLogger,
	notifier *notifications.Manager,
) *Server {
	return &Server{
		cfg:       cfg,
		db:        db,
		store:     store,
		signals:   signalsRepo,
		dedup:     dedup,
		cooldown:  cooldown,
		market:    market,
		killSw:    killSw,
		blacklist: blacklist,
		validator: validator,
		risk:      risk,
		csvLog:    csvLog,
		notifier:  notifier,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// SetClock replaces the server's clock. Test helper.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Webhook ingress
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /webhook/test", s.handleWebhookTest)

	// Dispatch API (execution clients)
	mux.HandleFunc("GET /api/signals/pending", s.handlePendingSignals)
	mux.HandleFunc("GET /api/signals/{signal_id}", s.handleGetSignal)
	mux.HandleFunc("POST /api/signals/{signal_id}/ack", s.handleAck)
	mux.HandleFunc("POST /api/signals/{signal_id}/executed", s.handleExecuted)
	mux.HandleFunc("POST /api/signals/{signal_id}/failed", s.handleFailed)
	mux.HandleFunc("GET /api/signals", s.handleListSignals)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)

	// Admin
	mux.HandleFunc("POST /api/admin/kill-switch", s.handleKillSwitch)
	mux.HandleFunc("GET /api/admin/kill-switch/status", s.handleKillSwitchStatus)
	mux.HandleFunc("GET /api/admin/cooldowns", s.handleListCooldowns)
	mux.HandleFunc("DELETE /api/admin/cooldowns", s.handleResetCooldowns)
	mux.HandleFunc("GET /api/admin/blacklist", s.handleListBlacklist)
	mux.HandleFunc("POST /api/admin/blacklist", s.handleAddBlacklist)
	mux.HandleFunc("DELETE /api/admin/blacklist/{ticker}", s.handleRemoveBlacklist)
	mux.HandleFunc("GET /api/admin/positions", s.handleListPositions)
	mux.HandleFunc("GET /api/admin/stats", s.handleDailyStats)
	mux.HandleFunc("GET /api/admin/heartbeats", s.handleListHeartbeats)

	// Health and status
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.corsMiddleware(s.loggingMiddleware(s.recoverMiddleware(mux)))
}

// Start runs the HTTP server until the context is cancelled, then
// drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("API server starting")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("Start: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("Start: shutdown: %w", err)
		}
		return nil
	}
}

// Middleware

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Handler panicked")
				writeError(w, http.StatusInternalServerError, CodeInternalError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Auth helpers

// requireAPIKey checks the Authorization: Bearer header against the
// configured execution-client key.
func (s *Server) requireAPIKey(w http.ResponseWriter, r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Security.APIKey)) != 1 {
		writeError(w, http.StatusUnauthorized, CodeInvalidAPIKey, "invalid or missing API key")
		return false
	}
	return true
}

// requireAdmin checks the X-Admin-Password header.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	pw := r.Header.Get("X-Admin-Password")
	if subtle.ConstantTimeCompare([]byte(pw), []byte(s.cfg.Security.AdminPassword)) != 1 {
		writeError(w, http.StatusUnauthorized, CodeInvalidPassword, "invalid admin password")
		return false
	}
	return true
}

// clientIP extracts the caller's address, honoring X-Forwarded-For
// from the reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
