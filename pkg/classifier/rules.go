package classifier

import (
	"context"
	"encoding/json"
	"strings"

	"wismo-triage/pkg/models"
	"wismo-triage/pkg/slots"
)

const (
	rulesMatchConfidence   = 0.85
	rulesNoMatchConfidence = 0.2
)

type keywordRule struct {
	intent models.Intent
	match  func(msg string) bool
}

func containsAny(msg string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

// Evaluated in order; the first match wins.
var keywordRules = []keywordRule{
	{models.IntentDeliveredNotReceived, func(m string) bool {
		return strings.Contains(m, "delivered") && containsAny(m, "not", "didn't", "didnt", "never", "missing", "can't find", "cant find")
	}},
	{models.IntentDeliveryAttempted, func(m string) bool { return containsAny(m, "attempt", "missed delivery", "notice", "no one was home") }},
	{models.IntentDamaged, func(m string) bool { return containsAny(m, "damag", "broken", "crushed", "smashed", "cracked") }},
	{models.IntentReturnedToSender, func(m string) bool { return containsAny(m, "return to sender", "returned to sender", "returned") }},
	{models.IntentAddressIssue, func(m string) bool { return containsAny(m, "wrong address", "incorrect address", "change address", "change my address", "shipping address", "address is wrong") }},
	{models.IntentStuckInTransit, func(m string) bool { return containsAny(m, "stuck", "not moving", "hasn't moved", "hasnt moved") }},
	{models.IntentDelayed, func(m string) bool { return containsAny(m, "delay", "late", "taking too long") }},
	{models.IntentTrackOrder, func(m string) bool {
		return containsAny(m, "where is", "where's", "wheres", "track", "status", "when will")
	}},
}

var fraudKeywords = []string{"chargeback", "fraud", "stolen card", "didn't place", "did not place"}

// RulesBackend is the deterministic keyword classifier.
type RulesBackend struct{}

func NewRulesBackend() *RulesBackend {
	return &RulesBackend{}
}

func (RulesBackend) Name() string { return "rules" }

// Classify emits the same JSON contract a model would.
func (RulesBackend) Classify(ctx context.Context, in Input) (string, error) {
	msg := strings.ToLower(in.Message)

	result := models.IntentResult{
		Intent:        models.IntentUnknown,
		Confidence:    rulesNoMatchConfidence,
		MissingFields: []string{},
		RiskFlags:     []string{},
	}
	for _, rule := range keywordRules {
		if rule.match(msg) {
			result.Intent = rule.intent
			result.Confidence = rulesMatchConfidence
			break
		}
	}
	if containsAny(msg, fraudKeywords...) {
		result.RiskFlags = append(result.RiskFlags, models.RiskFraudSuspected)
	}

	if id := slots.FindOrderID(in.Message); id != "" {
		result.ExtractedOrderID = &id
	} else {
		result.MissingFields = append(result.MissingFields, models.FieldOrderID)
	}
	if email := slots.FindEmail(in.Message); email != "" {
		result.ExtractedEmail = &email
	} else {
		result.MissingFields = append(result.MissingFields, models.FieldEmail)
	}

	switch {
	case result.HasRisk(models.RiskFraudSuspected):
		result.SuggestedNextAction = models.NextEscalate
	case len(result.MissingFields) > 0:
		result.SuggestedNextAction = models.NextAskFollowup
	default:
		result.SuggestedNextAction = models.NextRetrieve
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
