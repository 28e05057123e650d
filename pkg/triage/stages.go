package triage

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/classifier"
	"wismo-triage/pkg/constants"
	"wismo-triage/pkg/models"
	"wismo-triage/pkg/policy"
	"wismo-triage/pkg/slots"
	"wismo-triage/pkg/store"
	"wismo-triage/pkg/tools"
)

// turn is the working state of one attempt. Nothing in it is visible to other
// turns until commit succeeds.
type turn struct {
	session  *models.Session
	expected int64
	message  string
	now      time.Time

	result    models.IntentResult
	intent    models.Intent
	orderID   string
	email     string
	missing   []string
	riskFlags []string

	order    *models.Order
	shipment *models.Shipment
	status   models.ShipmentStatus

	decision    policy.Decision
	caseRecord  *models.Case
	caseCreated bool

	action models.Action
	reply  string
}

func (m *Machine) log(t *turn, stage string) *logrus.Entry {
	return m.logger.WithFields(logrus.Fields{
		"session_id": t.session.SessionID,
		"stage":      stage,
	})
}

func (m *Machine) intake(ctx context.Context, req models.ChatRequest) (*turn, error) {
	now := m.now()

	session, err := m.deps.Sessions.Load(ctx, req.SessionID)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		session = models.NewSession(req.SessionID, now)
	case err != nil:
		return nil, storeUnavailable("load session", err)
	default:
		session = session.Clone()
	}

	t := &turn{
		session:  session,
		expected: session.Version,
		message:  req.Message,
		now:      now,
	}
	session.Turns = append(session.Turns, models.Turn{Role: models.RoleUser, Text: req.Message, Timestamp: now})
	return t, nil
}

func (m *Machine) understand(ctx context.Context, t *turn) {
	history := t.session.Turns[:len(t.session.Turns)-1]
	if n := m.opts.ContextTurns; n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}

	t.result = m.deps.Classifier.Understand(ctx, classifier.Input{
		Message:    t.message,
		Context:    history,
		LastIntent: t.session.LastIntent,
	})
	t.intent = t.result.Intent

	if m.isFollowUp(t) {
		m.log(t, "understand").WithFields(logrus.Fields{
			"classified":  t.result.Intent,
			"confidence":  t.result.Confidence,
			"last_intent": t.session.LastIntent,
		}).Debug("Reusing last intent for short follow-up")
		t.intent = t.session.LastIntent
	}
	t.session.LastIntent = t.intent

	// repeat_claim is derived from claim history, never taken from the classifier.
	for _, f := range t.result.RiskFlags {
		if f != models.RiskRepeatClaim {
			t.riskFlags = append(t.riskFlags, f)
		}
	}

	s := slots.Extract(t.session, t.result, t.message)
	t.orderID, t.email, t.missing = s.OrderID, s.Email, s.Missing
	if t.session.ConfirmedOrderID == "" {
		t.session.PendingOrderID = s.OrderID
	}
	if t.session.ConfirmedEmail == "" {
		t.session.PendingEmail = s.Email
	}

	if len(t.missing) > 0 {
		t.action = models.ActionAskFollowup
		t.reply = missingFieldsReply(t.missing)
	}
}

// isFollowUp: an unknown or low-confidence classification of a short message
// continues the previous intent.
func (m *Machine) isFollowUp(t *turn) bool {
	last := t.session.LastIntent
	if last == "" || last == models.IntentUnknown {
		return false
	}
	if t.result.Intent != models.IntentUnknown && t.result.Confidence >= constants.LowConfidence {
		return false
	}
	return slots.ResidualWords(t.message) <= constants.ShortMessageWords
}

// retrieve reports whether the turn should go on to Decide. On a failed order
// lookup it sets a verify-details follow-up and leaves confirmed_* untouched.
func (m *Machine) retrieve(ctx context.Context, t *turn) bool {
	order, err := m.deps.Orders.GetOrder(ctx, t.orderID, t.email)
	if err != nil {
		m.log(t, "retrieve").WithError(err).WithField("order_id", t.orderID).Warn("Order lookup failed")
		t.session.PendingOrderID = ""
		t.session.PendingEmail = ""
		t.action = models.ActionVerifyDetails
		t.reply = verifyDetailsReply(err)
		return false
	}

	t.order = order
	t.session.ConfirmedOrderID = order.OrderID
	t.session.ConfirmedEmail = models.NormalizeEmail(order.Email)
	t.session.PendingOrderID = ""
	t.session.PendingEmail = ""

	if m.opts.HighValueThreshold > 0 && order.Value >= m.opts.HighValueThreshold {
		t.riskFlags = appendUnique(t.riskFlags, models.RiskHighValue)
	}

	t.status = models.StatusUnknown
	if order.TrackingID == "" {
		return true
	}
	shipment, err := m.deps.Tracking.GetTracking(ctx, order.TrackingID)
	if err != nil {
		entry := m.log(t, "retrieve").WithError(err).WithField("tracking_id", order.TrackingID)
		if errors.Is(err, tools.ErrShipmentNotFound) {
			entry.Info("No shipment data, treating status as unknown")
		} else {
			entry.Warn("Tracking lookup failed, treating status as unknown")
		}
		return true
	}

	t.shipment = shipment
	t.status = shipment.Status
	if t.status == models.StatusInTransit && t.now.Sub(shipment.LatestEventTime()) >= constants.StuckInTransitAfter {
		t.status = models.StatusStuckInTransit
	}
	return true
}

func (m *Machine) decide(ctx context.Context, t *turn, carry *attemptCarry) error {
	t.decision = m.deps.Policy.Decide(policy.Input{
		Intent:    t.intent,
		Status:    t.status,
		RiskFlags: t.riskFlags,
		History:   t.session.ClaimHistory,
		Now:       t.now,
		Lookback:  m.opts.RepeatClaimLookback,
	})
	t.action = t.decision.Action
	t.riskFlags = t.decision.RiskFlags

	m.metrics.PolicyDecisions.WithLabelValues(string(t.decision.Action)).Inc()
	if t.decision.PolicyGap {
		m.metrics.PolicyGaps.Inc()
		m.log(t, "decide").WithFields(logrus.Fields{
			"intent": t.intent,
			"status": t.status,
		}).Error("No policy rule for intent and status")
	}

	if t.decision.NeedsCase {
		if err := m.resolveCase(ctx, t, carry); err != nil {
			return err
		}
	}

	t.session.ClaimHistory = append(t.session.ClaimHistory, models.ClaimEntry{Intent: t.intent, Timestamp: t.now})
	t.reply = decisionReply(t)
	return nil
}

// resolveCase reuses the session's active case while it is open, otherwise
// asks the case store for the open case of this order or a new one.
func (m *Machine) resolveCase(ctx context.Context, t *turn, carry *attemptCarry) error {
	if id := t.session.ActiveCaseID; id != "" {
		c, err := m.deps.Cases.Get(ctx, id)
		switch {
		case err == nil && c.IsOpen():
			t.caseRecord = c
			t.caseCreated = carry.createdCases[c.CaseID]
			m.metrics.CaseDecisions.WithLabelValues("reused").Inc()
			return nil
		case err == nil, errors.Is(err, store.ErrCaseNotFound):
			t.session.ActiveCaseID = ""
		default:
			return storeUnavailable("get case", err)
		}
	}

	c, created, err := m.deps.Cases.CreateOrReuse(ctx, store.CaseRequest{
		OrderID:     t.session.ConfirmedOrderID,
		Email:       t.session.ConfirmedEmail,
		Reason:      t.decision.CaseReason,
		HandoffNote: handoffNote(t),
		SessionID:   t.session.SessionID,
	})
	if err != nil {
		return storeUnavailable("create case", err)
	}
	if created {
		carry.createdCases[c.CaseID] = true
		m.metrics.CaseDecisions.WithLabelValues("created").Inc()
	} else {
		m.metrics.CaseDecisions.WithLabelValues("reused").Inc()
	}

	t.caseRecord = c
	t.caseCreated = carry.createdCases[c.CaseID]
	t.session.ActiveCaseID = c.CaseID
	return nil
}

// commit appends the assistant reply and writes the session and its action
// log entry once.
func (m *Machine) commit(ctx context.Context, t *turn) (*models.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := t.session
	s.Turns = append(s.Turns, models.Turn{Role: models.RoleAssistant, Text: t.reply, Timestamp: t.now})
	s.Version = t.expected + 1
	s.UpdatedAt = t.now

	entry := models.ActionLogEntry{
		SessionID:   s.SessionID,
		TurnIndex:   int(s.Version),
		Intent:      t.intent,
		Decision:    t.action,
		Rule:        t.decision.Rule,
		CaseCreated: t.caseCreated,
		RiskFlags:   t.riskFlags,
		Timestamp:   t.now,
	}
	if t.caseRecord != nil {
		entry.CaseID = t.caseRecord.CaseID
	}

	if err := m.persist(ctx, t, s, entry); err != nil {
		return nil, err
	}

	resp := &models.ChatResponse{
		Reply:          t.reply,
		Intent:         t.intent,
		MissingFields:  t.missing,
		Action:         t.action,
		RiskFlags:      t.riskFlags,
		LLMConfidence:  t.result.Confidence,
		SessionVersion: s.Version,
	}
	if resp.MissingFields == nil {
		resp.MissingFields = []string{}
	}
	if resp.RiskFlags == nil {
		resp.RiskFlags = []string{}
	}
	if t.caseRecord != nil {
		id := t.caseRecord.CaseID
		resp.CaseID = &id
	}

	fields := logrus.Fields{
		"session_id": s.SessionID,
		"version":    s.Version,
		"intent":     t.intent,
		"action":     t.action,
	}
	if entry.CaseID != "" {
		fields["case_id"] = entry.CaseID
		fields["case_created"] = t.caseCreated
	}
	m.logger.WithFields(fields).Info("Turn committed")

	return resp, nil
}

// persist commits the session and its audit entry. Stores that can do both
// atomically get one call; otherwise the entry is appended after the swap and
// a failed append is returned, even though the turn is already committed.
func (m *Machine) persist(ctx context.Context, t *turn, s *models.Session, entry models.ActionLogEntry) error {
	if audited, ok := m.deps.Sessions.(store.AuditedSessionStore); ok {
		if err := audited.CompareAndSwapWithEntry(ctx, s, t.expected, entry); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return err
			}
			return storeUnavailable("commit session", err)
		}
		return nil
	}

	if err := m.deps.Sessions.CompareAndSwap(ctx, s, t.expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		return storeUnavailable("commit session", err)
	}

	if err := m.deps.ActionLog.Append(ctx, entry); err != nil {
		m.metrics.ActionLogFailures.Inc()
		m.log(t, "commit").WithError(err).WithField("turn_index", entry.TurnIndex).Error("Failed to append action log entry")
		return storeUnavailable("append action log", err)
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
