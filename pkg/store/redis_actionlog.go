package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/constants"
	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/models"
)

// RedisActionLog appends audit entries to a Redis stream. The stream is never
// trimmed here; retention belongs to the operators. The handoff consumer group
// reads the same stream.
type RedisActionLog struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
	stream  string
}

func NewRedisActionLog(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *RedisActionLog {
	return &RedisActionLog{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
		stream:  constants.ActionLogStream,
	}
}

func (l *RedisActionLog) Append(ctx context.Context, entry models.ActionLogEntry) error {
	start := time.Now()
	defer func() {
		l.metrics.StoreOperationDuration.WithLabelValues("append_action_log").Observe(time.Since(start).Seconds())
	}()

	values, err := actionLogValues(entry)
	if err != nil {
		return err
	}

	streamArgs := &redis.XAddArgs{
		Stream: l.stream,
		Values: values,
	}

	messageID, err := l.rdb.XAdd(ctx, streamArgs).Result()
	if err != nil {
		return fmt.Errorf("failed to append action log entry: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"session_id": entry.SessionID,
		"turn_index": entry.TurnIndex,
		"decision":   entry.Decision,
		"message_id": messageID,
	}).Debug("Appended action log entry")

	return nil
}

// actionLogValues flattens an entry into stream field/value pairs. The session
// CAS script writes the same pairs, and the handoff consumer parses them.
func actionLogValues(entry models.ActionLogEntry) ([]string, error) {
	entryData, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action log entry: %w", err)
	}

	caseCreated := "0"
	if entry.CaseCreated {
		caseCreated = "1"
	}

	return []string{
		"session_id", entry.SessionID,
		"turn_index", strconv.Itoa(entry.TurnIndex),
		"intent", string(entry.Intent),
		"decision", string(entry.Decision),
		"rule", entry.Rule,
		"case_id", entry.CaseID,
		"case_created", caseCreated,
		"risk_flags", strings.Join(entry.RiskFlags, ","),
		"timestamp", strconv.FormatInt(entry.Timestamp.UnixMilli(), 10),
		"entry_data", string(entryData),
	}, nil
}
