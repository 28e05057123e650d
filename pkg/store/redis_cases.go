package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/constants"
	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/models"
)

// The open-case index exists only while its case is open: this script is the
// only writer and closeCaseScript the only deleter.
// KEYS[1] open-case index, KEYS[2] new case hash.
// ARGV: case id, order id, email, reason, handoff note, session id,
// created_at (RFC3339Nano).
const createOrReuseCaseScript = `
	local existing = redis.call("GET", KEYS[1])
	if existing then
		return {existing, 0}
	end
	redis.call("HSET", KEYS[2], "case_id", ARGV[1])
	redis.call("HSET", KEYS[2], "order_id", ARGV[2])
	redis.call("HSET", KEYS[2], "email", ARGV[3])
	redis.call("HSET", KEYS[2], "status", "open")
	redis.call("HSET", KEYS[2], "reason", ARGV[4])
	redis.call("HSET", KEYS[2], "handoff_note", ARGV[5])
	redis.call("HSET", KEYS[2], "linked_session_id", ARGV[6])
	redis.call("HSET", KEYS[2], "created_at", ARGV[7])
	redis.call("SET", KEYS[1], ARGV[1])
	return {ARGV[1], 1}
`

// KEYS[1] case hash, KEYS[2] its open-case index. ARGV: closed_at.
const closeCaseScript = `
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 0
	end
	if redis.call("HGET", KEYS[1], "status") ~= "closed" then
		redis.call("HSET", KEYS[1], "status", "closed")
		redis.call("HSET", KEYS[1], "closed_at", ARGV[1])
	end
	if redis.call("GET", KEYS[2]) == redis.call("HGET", KEYS[1], "case_id") then
		redis.call("DEL", KEYS[2])
	end
	return 1
`

type RedisCaseStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRedisCaseStore(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *RedisCaseStore {
	return &RedisCaseStore{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (s *RedisCaseStore) Get(ctx context.Context, caseID string) (*models.Case, error) {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("get_case").Observe(time.Since(start).Seconds())
	}()

	fields, err := s.rdb.HGetAll(ctx, constants.CaseKey(caseID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrCaseNotFound
	}

	return caseFromHash(fields)
}

func (s *RedisCaseStore) CreateOrReuse(ctx context.Context, req CaseRequest) (*models.Case, bool, error) {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("create_or_reuse_case").Observe(time.Since(start).Seconds())
	}()

	orderID, email := normalizeCaseKey(req.OrderID, req.Email)
	caseID := NewCaseID()

	raw, err := s.rdb.Eval(ctx, createOrReuseCaseScript,
		[]string{openKey(orderID, email), constants.CaseKey(caseID)},
		caseID, orderID, email, req.Reason, req.HandoffNote, req.SessionID,
		s.now().UTC().Format(time.RFC3339Nano),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create or reuse case: %w", err)
	}
	if len(raw) != 2 {
		return nil, false, fmt.Errorf("unexpected create-or-reuse reply: %v", raw)
	}

	effectiveID, _ := raw[0].(string)
	created, _ := raw[1].(int64)

	c, err := s.Get(ctx, effectiveID)
	if err != nil {
		return nil, false, err
	}

	s.logger.WithFields(logrus.Fields{
		"case_id":    c.CaseID,
		"order_id":   orderID,
		"created":    created == 1,
		"session_id": req.SessionID,
	}).Debug("Resolved escalation case")

	return c, created == 1, nil
}

func (s *RedisCaseStore) Close(ctx context.Context, caseID string) (*models.Case, error) {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("close_case").Observe(time.Since(start).Seconds())
	}()

	// order_id and email never change after creation, so the index key can be
	// derived before the script runs.
	existing, err := s.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}

	found, err := s.rdb.Eval(ctx, closeCaseScript,
		[]string{constants.CaseKey(caseID), openKey(existing.OrderID, existing.Email)},
		s.now().UTC().Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to close case: %w", err)
	}
	if found == 0 {
		return nil, ErrCaseNotFound
	}

	return s.Get(ctx, caseID)
}

func caseFromHash(fields map[string]string) (*models.Case, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid case created_at: %w", err)
	}

	c := &models.Case{
		CaseID:          fields["case_id"],
		OrderID:         fields["order_id"],
		Email:           fields["email"],
		Status:          models.CaseStatus(fields["status"]),
		Reason:          fields["reason"],
		HandoffNote:     fields["handoff_note"],
		LinkedSessionID: fields["linked_session_id"],
		CreatedAt:       createdAt,
	}
	if closed := fields["closed_at"]; closed != "" {
		if closedAt, err := time.Parse(time.RFC3339Nano, closed); err == nil {
			c.ClosedAt = &closedAt
		}
	}

	return c, nil
}
