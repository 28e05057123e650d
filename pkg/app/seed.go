package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/config"
	"wismo-triage/pkg/metrics"
	redisClient "wismo-triage/pkg/redis"
	"wismo-triage/pkg/tools"
)

// SeedCatalog loads the catalog file at path (the embedded fixture when empty)
// into Redis so the redis catalog backend can serve it.
func SeedCatalog(ctx context.Context, cfg *config.Config, path string, logger *logrus.Logger) (tools.CatalogFile, error) {
	file, err := tools.LoadCatalogFile(path)
	if err != nil {
		return file, fmt.Errorf("failed to load catalog: %w", err)
	}

	client, err := redisClient.Connect(ctx, cfg.RedisURL, logger)
	if err != nil {
		return file, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer client.Close()

	catalog := tools.NewRedisCatalog(client.Redis(), logger, metrics.NewMetrics(prometheus.NewRegistry()))
	return file, catalog.Seed(ctx, file)
}
