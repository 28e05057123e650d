// Package app assembles the triage service from configuration: stores,
// catalog, classifier, state machine, HTTP server and handoff consumer.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"wismo-triage/pkg/classifier"
	"wismo-triage/pkg/config"
	"wismo-triage/pkg/handlers"
	"wismo-triage/pkg/handoff"
	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/policy"
	redisClient "wismo-triage/pkg/redis"
	"wismo-triage/pkg/server"
	"wismo-triage/pkg/store"
	"wismo-triage/pkg/tools"
	"wismo-triage/pkg/triage"
)

const shutdownTimeout = 30 * time.Second

type Service struct {
	config   *config.Config
	logger   *logrus.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	redis    *redisClient.Client
	sessions store.SessionStore
	cases    store.CaseStore
	machine  *triage.Machine
	server   *http.Server
	consumer *handoff.Consumer
}

func NewService(cfg *config.Config, logger *logrus.Logger) (*Service, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Service{
		config:   cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics.NewMetrics(registry),
	}

	if cfg.StoreBackend == config.BackendRedis || cfg.CatalogBackend == config.BackendRedis {
		client, err := redisClient.Connect(context.Background(), cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.redis = client
	}

	var actionLog store.ActionLog
	switch cfg.StoreBackend {
	case config.BackendRedis:
		rdb := s.redis.Redis()
		s.sessions = store.NewRedisSessionStore(rdb, logger, s.metrics)
		s.cases = store.NewRedisCaseStore(rdb, logger, s.metrics)
		// Redis sessions append the audit entry inside the CAS script, so the
		// machine only falls back to this log for non-audited session stores.
		actionLog = store.NewRedisActionLog(rdb, logger, s.metrics)
	default:
		s.sessions = store.NewMemorySessionStore()
		s.cases = store.NewMemoryCaseStore()
		actionLog = store.NewMemoryActionLog()
	}

	orders, tracking, err := s.catalog()
	if err != nil {
		s.Close()
		return nil, err
	}
	guard := &tools.Guard{
		Timeout:    cfg.ToolTimeout(),
		MaxRetries: cfg.ToolMaxRetries,
		Logger:     logger,
		Metrics:    s.metrics,
	}

	adapter, err := classifier.NewAdapter(newBackend(cfg), logger, s.metrics)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to build classifier: %w", err)
	}

	s.machine = triage.NewMachine(triage.Deps{
		Sessions:   s.sessions,
		Cases:      s.cases,
		ActionLog:  actionLog,
		Orders:     tools.GuardedOrders{Inner: orders, Guard: guard},
		Tracking:   tools.GuardedTracking{Inner: tracking, Guard: guard},
		Classifier: adapter,
		Policy:     policy.NewEngine(),
	}, triage.Options{
		MaxTurnRetries:      cfg.MaxTurnRetries,
		ContextTurns:        cfg.ContextTurns,
		HighValueThreshold:  cfg.HighValueThreshold,
		RepeatClaimLookback: cfg.RepeatClaimLookback(),
	}, logger, s.metrics)

	if cfg.HandoffEnabled {
		if cfg.StoreBackend == config.BackendRedis {
			s.consumer = handoff.NewConsumer(s.redis.Redis(), cfg, handoff.LogNotifier{Logger: logger}, logger, s.metrics)
		} else {
			logger.Warn("Handoff consumer needs the Redis store backend, not starting it")
		}
	}

	logger.WithFields(logrus.Fields{
		"store":      cfg.StoreBackend,
		"catalog":    cfg.CatalogBackend,
		"classifier": adapter.Backend(),
	}).Info("Triage service assembled")
	return s, nil
}

func validate(cfg *config.Config) error {
	switch cfg.StoreBackend {
	case config.BackendRedis, config.BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	switch cfg.CatalogBackend {
	case config.BackendRedis, config.BackendFixture:
	default:
		return fmt.Errorf("unknown catalog backend %q", cfg.CatalogBackend)
	}
	switch cfg.ClassifierBackend {
	case config.ClassifierRules, config.ClassifierModel:
	default:
		return fmt.Errorf("unknown classifier backend %q", cfg.ClassifierBackend)
	}
	return nil
}

func (s *Service) catalog() (tools.OrderTool, tools.TrackingTool, error) {
	if s.config.CatalogBackend == config.BackendRedis {
		c := tools.NewRedisCatalog(s.redis.Redis(), s.logger, s.metrics)
		return c, c, nil
	}
	file, err := tools.LoadCatalogFile(s.config.CatalogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	c := tools.NewCatalog(file)
	return c, c, nil
}

func newBackend(cfg *config.Config) classifier.Backend {
	if cfg.ClassifierBackend == config.ClassifierModel {
		return classifier.NewModelBackend(classifier.ModelConfig{
			ModelID: cfg.ModelID,
			BaseURL: cfg.ModelBaseURL,
			APIKey:  cfg.ModelAPIKey,
		})
	}
	return classifier.NewRulesBackend()
}

func (s *Service) Machine() *triage.Machine {
	return s.machine
}

func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Service) ping(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Ping(ctx)
}

// Handler builds the HTTP API over the assembled machine and stores.
func (s *Service) Handler() http.Handler {
	return server.NewRouter(s.config, s.httpHandler(), s.registry, s.logger)
}

func (s *Service) httpHandler() *handlers.Handler {
	var ping func(ctx context.Context) error
	if s.redis != nil {
		ping = s.ping
	}
	return handlers.NewHandler(s.machine, s.sessions, s.cases, handlers.Options{
		PodID:           s.config.PodID,
		MaxMessageChars: s.config.MaxMessageChars,
		Ping:            ping,
	}, s.logger)
}

// Run serves HTTP and runs the handoff consumer until ctx is cancelled or one
// of them fails, then shuts both down.
func (s *Service) Run(ctx context.Context) error {
	s.server = server.NewHTTPServer(s.config, s.httpHandler(), s.registry, s.logger)

	if s.consumer != nil {
		if err := s.consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start handoff consumer: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	err := g.Wait()
	s.logger.Info("Triage service stopped")
	return err
}

func (s *Service) shutdown() error {
	s.logger.Info("Stopping triage service")

	if s.consumer != nil {
		s.consumer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
		return err
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *Service) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}
