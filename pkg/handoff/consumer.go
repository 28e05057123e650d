// Package handoff tells human agents about newly opened cases. It reads the
// action log stream through a Redis consumer group, so several replicas share
// the work and an entry is acknowledged only after its notification succeeds.
package handoff

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/config"
	"wismo-triage/pkg/constants"
	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/models"
)

// Notifier delivers a case-opened notice to the human support queue.
type Notifier interface {
	NotifyCaseOpened(ctx context.Context, entry *models.ActionLogEntry) error
}

// LogNotifier writes the notice to the structured log.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) NotifyCaseOpened(ctx context.Context, entry *models.ActionLogEntry) error {
	n.Logger.WithFields(logrus.Fields{
		"case_id":    entry.CaseID,
		"session_id": entry.SessionID,
		"intent":     entry.Intent,
		"rule":       entry.Rule,
		"risk_flags": entry.RiskFlags,
	}).Info("Case opened, handing off to support agent")
	return nil
}

type Consumer struct {
	rdb          *redis.Client
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	notifier     Notifier
	stream       string
	group        string
	consumerName string

	readBlock     time.Duration
	recoveryEvery time.Duration
	claimMinIdle  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewConsumer(rdb *redis.Client, config *config.Config, notifier Notifier, logger *logrus.Logger, metrics *metrics.Metrics) *Consumer {
	return &Consumer{
		rdb:           rdb,
		logger:        logger,
		metrics:       metrics,
		notifier:      notifier,
		stream:        constants.ActionLogStream,
		group:         config.HandoffConsumerGroup,
		consumerName:  fmt.Sprintf("handoff-%s", config.PodID),
		readBlock:     constants.HandoffReadBlock,
		recoveryEvery: constants.HandoffRecoveryEvery,
		claimMinIdle:  constants.HandoffClaimMinIdle,
		stopCh:        make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	if err := c.createConsumerGroup(ctx); err != nil {
		return err
	}

	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.pendingMessagesRecovery(ctx)

	c.logger.WithFields(logrus.Fields{
		"consumer_name":  c.consumerName,
		"consumer_group": c.group,
	}).Info("Handoff consumer started")
	return nil
}

// Stop signals both loops and waits for them to return.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) createConsumerGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
			if _, err := c.consumeOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Error("Failed to read from action log stream")
				c.pause(ctx, time.Second)
			}
		}
	}
}

// consumeOnce reads one batch of new entries and processes them.
func (c *Consumer) consumeOnce(ctx context.Context) (int, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerName,
		Streams:  []string{c.stream, ">"},
		Count:    constants.HandoffReadCount,
		Block:    c.readBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			c.processMessage(ctx, message)
			n++
		}
	}
	return n, nil
}

func (c *Consumer) processMessage(ctx context.Context, message redis.XMessage) {
	entry, err := parseActionLogEntry(message)
	if err != nil {
		c.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse action log entry")
		c.metrics.HandoffMessagesProcessed.WithLabelValues("parse_error").Inc()
		// Unparseable entries would fail forever; drop them.
		c.acknowledge(ctx, message.ID)
		return
	}

	if !entry.CaseCreated {
		c.acknowledge(ctx, message.ID)
		c.metrics.HandoffMessagesProcessed.WithLabelValues("skipped").Inc()
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, constants.HandoffNotifierTimeout)
	err = c.notifier.NotifyCaseOpened(notifyCtx, entry)
	cancel()
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"case_id":    entry.CaseID,
			"session_id": entry.SessionID,
			"message_id": message.ID,
		}).Error("Failed to notify support agents")
		c.metrics.HandoffMessagesProcessed.WithLabelValues("notification_error").Inc()
		// Left pending; recovery claims it again.
		return
	}

	if err := c.acknowledge(ctx, message.ID); err != nil {
		return
	}
	c.metrics.HandoffMessagesProcessed.WithLabelValues("success").Inc()
}

func (c *Consumer) acknowledge(ctx context.Context, messageID string) error {
	err := c.rdb.XAck(ctx, c.stream, c.group, messageID).Err()
	if err != nil {
		c.logger.WithError(err).WithField("message_id", messageID).Error("Failed to acknowledge message")
	}
	return err
}

func (c *Consumer) pendingMessagesRecovery(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.recoveryEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.processPendingMessages(ctx)
		}
	}
}

// processPendingMessages claims entries another consumer (or an earlier
// failed attempt) left unacknowledged for longer than claimMinIdle. Idle time
// is filtered client-side because XPENDING IDLE needs Redis 6.2.
func (c *Consumer) processPendingMessages(ctx context.Context) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  constants.HandoffReadCount,
	}).Result()
	if err != nil {
		c.logger.WithError(err).Error("Failed to get pending messages")
		return
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= c.claimMinIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	messages, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumerName,
		MinIdle:  c.claimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		c.logger.WithError(err).Error("Failed to claim pending messages")
		return
	}

	if len(messages) > 0 {
		c.logger.WithField("claimed", len(messages)).Info("Reprocessing pending handoff messages")
	}
	for _, message := range messages {
		c.processMessage(ctx, message)
	}
}

func (c *Consumer) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-c.stopCh:
	case <-timer.C:
	}
}

func parseActionLogEntry(message redis.XMessage) (*models.ActionLogEntry, error) {
	entry := &models.ActionLogEntry{}

	sessionID, ok := message.Values["session_id"].(string)
	if !ok || sessionID == "" {
		return nil, fmt.Errorf("missing or invalid session_id")
	}
	entry.SessionID = sessionID

	if turnStr, ok := message.Values["turn_index"].(string); ok {
		turn, err := strconv.Atoi(turnStr)
		if err != nil {
			return nil, fmt.Errorf("invalid turn_index format: %w", err)
		}
		entry.TurnIndex = turn
	} else {
		return nil, fmt.Errorf("missing or invalid turn_index")
	}

	if tsStr, ok := message.Values["timestamp"].(string); ok {
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp format: %w", err)
		}
		entry.Timestamp = time.UnixMilli(ts).UTC()
	} else {
		return nil, fmt.Errorf("missing or invalid timestamp")
	}

	if createdStr, ok := message.Values["case_created"].(string); ok {
		created, err := strconv.ParseBool(createdStr)
		if err != nil {
			return nil, fmt.Errorf("invalid case_created format: %w", err)
		}
		entry.CaseCreated = created
	}

	intent, _ := message.Values["intent"].(string)
	decision, _ := message.Values["decision"].(string)
	entry.Intent = models.Intent(intent)
	entry.Decision = models.Action(decision)
	entry.Rule, _ = message.Values["rule"].(string)
	entry.CaseID, _ = message.Values["case_id"].(string)
	if flags, _ := message.Values["risk_flags"].(string); flags != "" {
		entry.RiskFlags = strings.Split(flags, ",")
	}

	if entry.CaseCreated && entry.CaseID == "" {
		return nil, fmt.Errorf("case_created set without case_id")
	}
	return entry, nil
}
