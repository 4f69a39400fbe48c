// Package server exposes the market data service as a JSON HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/fno_scope/internal/analytics"
	"github.com/eddiefleurent/fno_scope/internal/auth"
	"github.com/eddiefleurent/fno_scope/internal/broker"
	"github.com/eddiefleurent/fno_scope/internal/models"
	"github.com/eddiefleurent/fno_scope/internal/resolver"
	"github.com/eddiefleurent/fno_scope/internal/service"
)

// API is the service surface the handlers call.
type API interface {
	GetOptionChain(ctx context.Context, req service.ChainRequest) (*service.ChainResult, error)
	Analyze(ctx context.Context, req service.ChainRequest) (*service.AnalysisResult, error)
	GetFuturesData(ctx context.Context, req service.FuturesRequest) (*analytics.FuturesBasisResult, error)
	GetSpotQuote(ctx context.Context, symbol string) (*models.SpotQuote, error)
	GetHoldings(ctx context.Context) ([]models.Holding, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	Portfolio(ctx context.Context) (*service.PortfolioResult, error)
	AuthURL() string
	SubmitAuthCode(ctx context.Context, code, state string) error
}

// Ensure Service implements API at compile time.
var _ API = (*service.Service)(nil)

type Server struct {
	router       *chi.Mux
	server       *http.Server
	api          API
	logger       logrus.FieldLogger
	port         int
	authToken    string
	sessionState func() string
}

type Config struct {
	Port      int
	AuthToken string
	// SessionState, when set, is reported by /health.
	SessionState func() string
	// RequestTimeout bounds every handler; zero means 60s.
	RequestTimeout time.Duration
}

func NewServer(cfg Config, api API, logger logrus.FieldLogger) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		api:          api,
		logger:       logger,
		port:         cfg.Port,
		authToken:    cfg.AuthToken,
		sessionState: cfg.SessionState,
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	s.setupRoutes(timeout)
	return s
}

func (s *Server) setupRoutes(timeout time.Duration) {
	s.router.Use(requestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(timeout))
	s.router.Use(ZstdMiddleware)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)

	s.router.Get("/auth/url", s.handleAuthURL)
	s.router.Get("/auth/login", s.handleAuthLogin)
	s.router.Get("/auth/callback", s.handleAuthCallback)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/option-chain/{symbol}", s.handleOptionChain)
		r.Get("/analysis/{symbol}", s.handleAnalysis)
		r.Get("/futures/{symbol}", s.handleFutures)
		r.Get("/quote/{symbol}", s.handleQuote)
		r.Get("/holdings", s.handleHoldings)
		r.Get("/positions", s.handlePositions)
		r.Get("/portfolio", s.handlePortfolio)
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The provider redirects the browser to the callback without our token.
		if r.URL.Path == "/health" || r.URL.Path == "/auth/callback" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		// Browsers following the login link cannot set headers.
		if token == "" && r.URL.Path == "/auth/login" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if s.sessionState != nil {
		body["session"] = s.sessionState()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"auth_url": s.api.AuthURL()})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.api.AuthURL(), http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "authorization denied: " + e, AuthURL: s.api.AuthURL()})
		return
	}
	code := q.Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing code parameter"})
		return
	}
	if err := s.api.SubmitAuthCode(r.Context(), code, q.Get("state")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authenticated"})
}

func (s *Server) handleOptionChain(w http.ResponseWriter, r *http.Request) {
	req, err := chainRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.api.GetOptionChain(r.Context(), req)
	s.respond(w, r, res, err)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	req, err := chainRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.api.Analyze(r.Context(), req)
	s.respond(w, r, res, err)
}

func (s *Server) handleFutures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.api.GetFuturesData(r.Context(), service.FuturesRequest{
		Symbol:     chi.URLParam(r, "symbol"),
		Expiry:     q.Get("expiry"),
		ExpiryType: q.Get("expiry_type"),
	})
	s.respond(w, r, res, err)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	res, err := s.api.GetSpotQuote(r.Context(), chi.URLParam(r, "symbol"))
	s.respond(w, r, res, err)
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	res, err := s.api.GetHoldings(r.Context())
	s.respond(w, r, res, err)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	res, err := s.api.GetPositions(r.Context())
	s.respond(w, r, res, err)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	res, err := s.api.Portfolio(r.Context())
	s.respond(w, r, res, err)
}

func chainRequest(r *http.Request) (service.ChainRequest, error) {
	q := r.URL.Query()
	req := service.ChainRequest{
		Symbol:     chi.URLParam(r, "symbol"),
		Expiry:     q.Get("expiry"),
		ExpiryType: q.Get("expiry_type"),
	}
	if v := q.Get("max_distance_pct"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, fmt.Errorf("%w: max_distance_pct %q is not a number", service.ErrInvalidRequest, v)
		}
		req.MaxDistancePct = f
	}
	return req, nil
}

type errorBody struct {
	Error     string `json:"error"`
	AuthURL   string `json:"auth_url,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, v interface{}, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error(), RequestID: RequestIDFrom(r.Context())}
	if status == http.StatusUnauthorized {
		var req *auth.RequiredError
		if errors.As(err, &req) && req.AuthURL != "" {
			body.AuthURL = req.AuthURL
		} else {
			body.AuthURL = s.api.AuthURL()
		}
	}

	entry := s.logger.WithFields(logrus.Fields{
		"status":     status,
		"path":       r.URL.Path,
		"request_id": body.RequestID,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}
	writeJSON(w, status, body)
}

// StatusFor maps a service error onto an HTTP status.
func StatusFor(err error) int {
	var (
		perr *broker.ProviderError
		aerr *broker.APIError
		xerr *auth.ExchangeError
	)
	switch {
	case errors.Is(err, auth.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrSymbolNotResolved):
		return http.StatusNotFound
	case errors.Is(err, analytics.ErrDataUnavailable):
		return http.StatusUnprocessableEntity
	case errors.As(err, &perr), errors.As(err, &aerr), errors.As(err, &xerr),
		errors.Is(err, broker.ErrTokenInvalidated),
		errors.Is(err, broker.ErrKeyNotInResponse),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
