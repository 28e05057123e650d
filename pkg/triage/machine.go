// Package triage runs one conversation turn through Intake, Understand,
// Retrieve and Decide, committing the session once with compare-and-swap.
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/classifier"
	"wismo-triage/pkg/constants"
	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/models"
	"wismo-triage/pkg/policy"
	"wismo-triage/pkg/store"
	"wismo-triage/pkg/tools"
)

var (
	ErrInvalidRequest      = errors.New("session_id and message are required")
	ErrConcurrencyConflict = errors.New("session was updated concurrently, retries exhausted")
	ErrStoreUnavailable    = errors.New("store unavailable")
)

// IntentClassifier is satisfied by *classifier.Adapter.
type IntentClassifier interface {
	Understand(ctx context.Context, in classifier.Input) models.IntentResult
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Sessions   store.SessionStore
	Cases      store.CaseStore
	// ActionLog is unused when Sessions is a store.AuditedSessionStore.
	ActionLog  store.ActionLog
	Orders     tools.OrderTool
	Tracking   tools.TrackingTool
	Classifier IntentClassifier
	Policy     *policy.Engine
}

type Options struct {
	// MaxTurnRetries is how many times a turn that lost the session CAS is
	// rerun from Intake.
	MaxTurnRetries      int
	ContextTurns        int
	HighValueThreshold  float64
	RepeatClaimLookback time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxTurnRetries:      1,
		ContextTurns:        constants.DefaultContextTurns,
		HighValueThreshold:  300,
		RepeatClaimLookback: 60 * 24 * time.Hour,
	}
}

type Machine struct {
	deps    Deps
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewMachine(deps Deps, opts Options, logger *logrus.Logger, metrics *metrics.Metrics) *Machine {
	if deps.Policy == nil {
		deps.Policy = policy.NewEngine()
	}
	if opts.MaxTurnRetries < 0 {
		opts.MaxTurnRetries = 0
	}
	return &Machine{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock replaces the wall clock used for timestamps, stuck-shipment
// detection and the repeat-claim window.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// HandleMessage processes one inbound message. Lost CAS races rerun the whole
// turn on fresh state; when retries run out ErrConcurrencyConflict is returned
// and nothing from the losing attempts is visible.
func (m *Machine) HandleMessage(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Message = strings.TrimSpace(req.Message)
	if req.SessionID == "" || req.Message == "" {
		return nil, ErrInvalidRequest
	}

	start := time.Now()
	defer func() {
		m.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	}()

	carry := &attemptCarry{createdCases: make(map[string]bool)}
	for attempt := 0; attempt <= m.opts.MaxTurnRetries; attempt++ {
		resp, outcome, err := m.runTurn(ctx, req, carry)
		if err == nil {
			m.metrics.TurnsProcessed.WithLabelValues(outcome).Inc()
			return resp, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			m.metrics.TurnsProcessed.WithLabelValues("error").Inc()
			return nil, err
		}

		m.metrics.SessionConflicts.Inc()
		m.logger.WithFields(logrus.Fields{
			"session_id": req.SessionID,
			"attempt":    attempt + 1,
		}).Warn("Session version conflict, retrying turn")
	}

	m.metrics.TurnsProcessed.WithLabelValues("conflict").Inc()
	return nil, ErrConcurrencyConflict
}

// attemptCarry survives across retries of one message. Case creation is
// idempotent, so a retry reuses a case an earlier attempt created; the
// record of who created it must not be lost with the failed attempt.
type attemptCarry struct {
	createdCases map[string]bool
}

func (m *Machine) runTurn(ctx context.Context, req models.ChatRequest, carry *attemptCarry) (*models.ChatResponse, string, error) {
	t, err := m.intake(ctx, req)
	if err != nil {
		return nil, "", err
	}

	m.understand(ctx, t)

	outcome := "ask_followup"
	if len(t.missing) == 0 && m.retrieve(ctx, t) {
		if err := m.decide(ctx, t, carry); err != nil {
			return nil, "", err
		}
		outcome = "decided"
	}

	resp, err := m.commit(ctx, t)
	if err != nil {
		return nil, "", err
	}
	return resp, outcome, nil
}

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
