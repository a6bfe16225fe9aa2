// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/audit"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/backup"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/config"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/httpapi"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/integrity"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/linkage"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/membership"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/security"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/tithe"
)

// Actor headers. The core trusts whatever the fronting gateway puts here.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorName = "X-Actor-Name"
)

// ErrRateLimited is returned to writers that exceed the configured write rate.
var ErrRateLimited = errors.New("too many write requests")

// Server serves the HTTP API for an App.
type Server struct {
	app     *App
	cfg     config.HTTPConfig
	handler http.Handler
	limiter *rate.Limiter
	metrics bool
}

// New builds the router. metrics controls whether /metrics is exposed.
func New(app *App, cfg config.HTTPConfig, metrics bool) *Server {
	s := &Server{app: app, cfg: cfg, metrics: metrics}
	if cfg.WriteRate > 0 {
		burst := cfg.WriteBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRate), burst)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.metrics {
		r.Method(http.MethodGet, "/metrics", s.app.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(withActor)
		r.Use(s.limitWrites)

		membership.NewHandler(s.app.Membership).Routes(r)
		linkage.NewHandler(s.app.Linkage).Routes(r)
		tithe.NewHandler(s.app.Tithe).Routes(r)
		integrity.NewHandler(s.app.Integrity).Routes(r)
		backup.NewHandler(s.app.Backup).Routes(r)

		r.Get("/audit", s.handleAudit)
		r.Post("/audit/prune", s.handlePrune)
		r.Get("/security/config", s.handleSecurityConfig)
		r.Put("/security/retention", s.handleRetention)
		r.Put("/security/backup-frequency", s.handleBackupFrequency)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  requestBase(ctx),
	}
	errCh := make(chan error, 1)
	go func() {
		s.app.Logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.app.Logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestBase keeps ctx values on every request but not its cancellation, so Shutdown can drain
// in-flight requests after ctx is done.
func requestBase(ctx context.Context) func(net.Listener) context.Context {
	base := context.WithoutCancel(ctx)
	return func(net.Listener) context.Context { return base }
}

// withActor moves the caller identity and network metadata into the request context.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := strings.TrimSpace(r.Header.Get(HeaderActorID)); id != "" {
			ctx = domain.WithActor(ctx, domain.Actor{ID: id, Name: strings.TrimSpace(r.Header.Get(HeaderActorName))})
		}
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			host = h
		}
		ctx = domain.WithRequestMeta(ctx, domain.RequestMeta{IPAddress: host, UserAgent: r.UserAgent()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) limitWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && isWrite(r.Method) && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			httpapi.JSON(w, http.StatusTooManyRequests, httpapi.ErrorBody{Error: ErrRateLimited.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.app.Metrics.ObserveRequest(r.Method, route, strconv.Itoa(status), time.Since(start).Seconds())
		if status >= http.StatusInternalServerError {
			s.app.Logger.Error("request failed", "method", r.Method, "route", route, "status", status,
				"request_id", middleware.GetReqID(r.Context()))
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Store.Ping(r.Context()); err != nil {
		httpapi.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		EntityType: domain.EntityType(q.Get("entity_type")),
		EntityID:   q.Get("entity_id"),
		Action:     audit.Action(strings.ToUpper(q.Get("action"))),
	}
	since, err := httpapi.DateParam(r, "since")
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	if since != nil {
		f.Since = *since
	}
	if f.Limit, err = httpapi.IntParam(r, "limit", 100); err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, s.app.Trail.List(r.Context(), f))
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.Trail.Prune(r.Context())
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]int{"pruned": n})
}

// securityView is the configuration as exposed over HTTP. The key salt stays server side.
type securityView struct {
	BackupFrequency       string     `json:"backup_frequency"`
	AuditRetentionDays    int        `json:"audit_retention_days"`
	MaxLoginAttempts      int        `json:"max_login_attempts"`
	SessionTimeoutMinutes int        `json:"session_timeout_minutes"`
	LastBackupAt          *time.Time `json:"last_backup_at,omitempty"`
	BackupDue             bool       `json:"backup_due"`
	InitializedAt         time.Time  `json:"initialized_at"`
}

func (s *Server) viewOf(cfg security.Config) securityView {
	return securityView{
		BackupFrequency:       cfg.BackupFrequency,
		AuditRetentionDays:    cfg.AuditRetentionDays,
		MaxLoginAttempts:      cfg.MaxLoginAttempts,
		SessionTimeoutMinutes: cfg.SessionTimeoutMinutes,
		LastBackupAt:          cfg.LastBackupAt,
		BackupDue:             security.BackupDue(cfg, s.app.Now()),
		InitializedAt:         cfg.InitializedAt,
	}
}

func (s *Server) handleSecurityConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.app.Security.Load(r.Context())
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, s.viewOf(cfg))
}

func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, err)
		return
	}
	cfg, err := s.app.Security.UpdateRetention(r.Context(), req.Days)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, s.viewOf(cfg))
}

func (s *Server) handleBackupFrequency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Frequency string `json:"frequency"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, err)
		return
	}
	cfg, err := s.app.Security.SetBackupFrequency(r.Context(), req.Frequency)
	if err != nil {
		httpapi.Error(w, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, s.viewOf(cfg))
}
