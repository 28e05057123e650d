package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/constants"
	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/models"
)

// RedisCatalog reads orders and shipments stored as JSON documents, one key
// per record. Seed writes them.
type RedisCatalog struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRedisCatalog(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *RedisCatalog {
	return &RedisCatalog{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

func (c *RedisCatalog) GetOrder(ctx context.Context, orderID, email string) (*models.Order, error) {
	start := time.Now()
	defer func() {
		c.metrics.StoreOperationDuration.WithLabelValues("get_order").Observe(time.Since(start).Seconds())
	}()

	data, err := c.rdb.Get(ctx, constants.OrderKey(strings.ToUpper(strings.TrimSpace(orderID)))).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("invalid order document: %w", err)
	}
	if models.NormalizeEmail(order.Email) != models.NormalizeEmail(email) {
		return nil, ErrEmailMismatch
	}

	return &order, nil
}

func (c *RedisCatalog) GetTracking(ctx context.Context, trackingID string) (*models.Shipment, error) {
	start := time.Now()
	defer func() {
		c.metrics.StoreOperationDuration.WithLabelValues("get_tracking").Observe(time.Since(start).Seconds())
	}()

	data, err := c.rdb.Get(ctx, constants.ShipmentKey(trackingID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrShipmentNotFound
		}
		return nil, fmt.Errorf("failed to get shipment: %w", err)
	}

	var shipment models.Shipment
	if err := json.Unmarshal(data, &shipment); err != nil {
		return nil, fmt.Errorf("invalid shipment document: %w", err)
	}
	shipment.Status = models.NormalizeStatus(string(shipment.Status))

	return &shipment, nil
}

// Seed loads a catalog file into Redis in one pipeline.
func (c *RedisCatalog) Seed(ctx context.Context, file CatalogFile) error {
	pipe := c.rdb.Pipeline()

	for _, o := range file.Orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal order %s: %w", o.OrderID, err)
		}
		pipe.Set(ctx, constants.OrderKey(strings.ToUpper(o.OrderID)), data, 0)
	}
	for _, s := range file.Shipments {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal shipment %s: %w", s.TrackingID, err)
		}
		pipe.Set(ctx, constants.ShipmentKey(s.TrackingID), data, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"orders":    len(file.Orders),
		"shipments": len(file.Shipments),
	}).Info("Seeded catalog")

	return nil
}
