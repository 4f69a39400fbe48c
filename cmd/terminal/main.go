// Command terminal serves option chain analytics, futures basis and portfolio
// data over a JSON HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/fno_scope/internal/auth"
	"github.com/eddiefleurent/fno_scope/internal/broker"
	"github.com/eddiefleurent/fno_scope/internal/config"
	"github.com/eddiefleurent/fno_scope/internal/expiry"
	"github.com/eddiefleurent/fno_scope/internal/instruments"
	"github.com/eddiefleurent/fno_scope/internal/mock"
	"github.com/eddiefleurent/fno_scope/internal/resolver"
	"github.com/eddiefleurent/fno_scope/internal/server"
	"github.com/eddiefleurent/fno_scope/internal/service"
	"github.com/eddiefleurent/fno_scope/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	level, err := logrus.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.Infof("Starting F&O terminal in %s mode", cfg.Environment.Mode)

	idx, err := instruments.Load(cfg.Index.Path)
	if err != nil {
		logger.WithError(err).Warn("Instrument index unavailable, expiries fall back to the calendar")
		idx = instruments.Empty()
	} else {
		logger.Infof("Loaded instrument index with %d symbols", len(idx.Symbols()))
	}

	store := storage.NewJSONStorage(cfg.Auth.TokenPath)
	authMgr := auth.NewManager(auth.Config{
		APIKey:      cfg.Broker.APIKey,
		APISecret:   cfg.Broker.APISecret,
		RedirectURI: cfg.Broker.RedirectURI,
		BaseURL:     cfg.Broker.APIEndpoint,
	}, store, logger, auth.WithHTTPClient(&http.Client{Timeout: cfg.GetTimeout()}))

	data := newMarketData(cfg, authMgr, logger)

	loc := cfg.Location()
	svc := service.New(
		data,
		authMgr,
		resolver.New(idx, logger),
		expiry.New(idx, loc, logger, expiry.WithCutoff(cfg.GetExpiryCutoff())),
		service.Defaults{
			MaxDistancePct:    cfg.Analytics.MaxDistancePct,
			OptionsExpiryType: expiry.Type(cfg.Analytics.OptionsExpiryType),
			FuturesExpiryType: expiry.Type(cfg.Analytics.FuturesExpiryType),
		},
		logger,
	)

	srv := server.NewServer(server.Config{
		Port:         cfg.Server.Port,
		AuthToken:    cfg.Server.AuthToken,
		SessionState: func() string { return string(authMgr.State()) },
	}, svc, logger)

	if cfg.IsLive() {
		if _, err := authMgr.AccessToken(context.Background()); err != nil {
			logger.WithError(err).Warnf("No valid session, authorize at %s", authMgr.AuthURL())
		}
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("API server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown failed")
	}
	logger.Info("Terminal stopped")
}

func newMarketData(cfg *config.Config, tokens broker.TokenSource, logger logrus.FieldLogger) broker.MarketData {
	var data broker.MarketData
	if cfg.IsMock() {
		logger.Info("Using offline mock data provider")
		data = mock.NewDataProvider()
	} else {
		data = broker.NewUpstoxAPI(tokens, logger).
			WithBaseURL(cfg.Broker.APIEndpoint).
			WithTimeout(cfg.GetTimeout()).
			WithRateLimits(broker.RateLimits{
				MarketData: cfg.Broker.RateLimit.MarketData,
				Portfolio:  cfg.Broker.RateLimit.Portfolio,
			})
	}

	cb := cfg.Broker.CircuitBreaker
	if !cb.Enabled {
		return data
	}
	def := broker.DefaultCircuitBreakerSettings
	return broker.NewCircuitBreakerBroker(data, broker.CircuitBreakerSettings{
		MaxRequests:  cb.MaxRequests,
		Interval:     config.GetInterval(cb.Interval, def.Interval),
		Timeout:      config.GetInterval(cb.Timeout, def.Timeout),
		MinRequests:  cb.MinRequests,
		FailureRatio: cb.FailureRatio,
	}, logger)
}
