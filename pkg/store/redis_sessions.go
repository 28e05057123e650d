package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/constants"
	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/models"
)

// Sessions live in one hash per id: "version" guards the write and "data"
// holds the JSON document.
const casSessionScript = `
	local current = redis.call("HGET", KEYS[1], "version")
	if not current then
		current = "0"
	end
	if current ~= ARGV[1] then
		return 0
	end
	redis.call("HSET", KEYS[1], "version", ARGV[2])
	redis.call("HSET", KEYS[1], "data", ARGV[3])
	return 1
`

// casSessionWithEntryScript is casSessionScript plus the XADD of the turn's
// action log entry (KEYS[2]); ARGV[4:] are the stream field/value pairs.
const casSessionWithEntryScript = `
	local current = redis.call("HGET", KEYS[1], "version")
	if not current then
		current = "0"
	end
	if current ~= ARGV[1] then
		return 0
	end
	local fields = {}
	for i = 4, #ARGV do
		fields[#fields + 1] = ARGV[i]
	end
	redis.call("XADD", KEYS[2], "*", unpack(fields))
	redis.call("HSET", KEYS[1], "version", ARGV[2])
	redis.call("HSET", KEYS[1], "data", ARGV[3])
	return 1
`

type RedisSessionStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRedisSessionStore(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *RedisSessionStore {
	return &RedisSessionStore{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *RedisSessionStore) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("load_session").Observe(time.Since(start).Seconds())
	}()

	fields, err := s.rdb.HGetAll(ctx, constants.SessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, ErrSessionNotFound
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("invalid session document: %w", err)
	}

	// The hash field is authoritative for the CAS check.
	if v, err := strconv.ParseInt(fields["version"], 10, 64); err == nil {
		sess.Version = v
	}

	return &sess, nil
}

func (s *RedisSessionStore) CompareAndSwap(ctx context.Context, sess *models.Session, expectedVersion int64) error {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("cas_session").Observe(time.Since(start).Seconds())
	}()

	return s.swap(ctx, sess, expectedVersion, casSessionScript, []string{constants.SessionKey(sess.SessionID)})
}

// CompareAndSwapWithEntry commits the session and appends entry to the action
// log stream in one script, so neither is visible without the other.
func (s *RedisSessionStore) CompareAndSwapWithEntry(ctx context.Context, sess *models.Session, expectedVersion int64, entry models.ActionLogEntry) error {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("cas_session_audited").Observe(time.Since(start).Seconds())
	}()

	values, err := actionLogValues(entry)
	if err != nil {
		return err
	}

	keys := []string{constants.SessionKey(sess.SessionID), constants.ActionLogStream}
	extra := make([]interface{}, len(values))
	for i, v := range values {
		extra[i] = v
	}
	return s.swap(ctx, sess, expectedVersion, casSessionWithEntryScript, keys, extra...)
}

func (s *RedisSessionStore) swap(ctx context.Context, sess *models.Session, expectedVersion int64, script string, keys []string, extra ...interface{}) error {
	if sess.Version != expectedVersion+1 {
		return ErrVersionConflict
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	args := append([]interface{}{expectedVersion, sess.Version, string(data)}, extra...)
	result, err := s.rdb.Eval(ctx, script, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	if result == 0 {
		s.logger.WithFields(logrus.Fields{
			"session_id":       sess.SessionID,
			"expected_version": expectedVersion,
		}).Debug("Session compare-and-swap lost")
		return ErrVersionConflict
	}

	return nil
}
