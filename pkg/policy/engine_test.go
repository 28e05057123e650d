package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wismo-triage/pkg/models"
)

var now = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func claims(intent models.Intent, ages ...time.Duration) []models.ClaimEntry {
	out := make([]models.ClaimEntry, 0, len(ages))
	for _, age := range ages {
		out = append(out, models.ClaimEntry{Intent: intent, Timestamp: now.Add(-age)})
	}
	return out
}

func TestDecide_TableIsTotal(t *testing.T) {
	engine := NewEngine()

	for _, intent := range models.Intents {
		for _, status := range models.ShipmentStatuses {
			d := engine.Decide(Input{Intent: intent, Status: status, Now: now})
			assert.False(t, d.PolicyGap, "no rule for (%s, %s)", intent, status)
			assert.NotEmpty(t, d.Action)
			assert.NotEmpty(t, d.Rule)
			assert.Equal(t, d.Action == models.ActionEscalate, d.NeedsCase, "(%s, %s)", intent, status)
			if d.NeedsCase {
				assert.NotEmpty(t, d.CaseReason, "(%s, %s)", intent, status)
			}
		}
	}
}

func TestDecide_PolicyGapReturnsSafeDefault(t *testing.T) {
	engine := NewEngine()

	d := engine.Decide(Input{
		Intent:    models.Intent("lost_in_space"),
		Status:    models.StatusDelivered,
		RiskFlags: []string{models.RiskFraudSuspected},
		Now:       now,
	})
	assert.True(t, d.PolicyGap)
	assert.Equal(t, models.ActionAskFollowup, d.Action)
	assert.False(t, d.NeedsCase)
	assert.Equal(t, RulePolicyGap, d.Rule)

	sparse := NewEngineWithTable(NewTable([]Rule{
		{Name: "only", Intent: models.IntentDamaged, Status: models.StatusDamaged, Action: models.ActionAskDamageDetails},
	}))
	d = sparse.Decide(Input{Intent: models.IntentTrackOrder, Status: models.StatusInTransit, Now: now})
	assert.True(t, d.PolicyGap)
	assert.Equal(t, models.ActionAskFollowup, d.Action)
}

func TestDecide_Table(t *testing.T) {
	tests := []struct {
		intent models.Intent
		status models.ShipmentStatus
		action models.Action
		reason string
	}{
		{models.IntentTrackOrder, models.StatusDelivered, models.ActionProvideStatus, ""},
		{models.IntentTrackOrder, models.StatusUnknown, models.ActionProvideStatus, ""},
		{models.IntentDeliveredNotReceived, models.StatusDelivered, models.ActionAskAccessQuestions, ""},
		{models.IntentDeliveredNotReceived, models.StatusInTransit, models.ActionProvideStatus, ""},
		{models.IntentDeliveredNotReceived, models.StatusDamaged, models.ActionAskDamageDetails, ""},
		{models.IntentDeliveryAttempted, models.StatusDelivered, models.ActionAskAccessQuestions, ""},
		{models.IntentDamaged, models.StatusDelivered, models.ActionAskDamageDetails, ""},
		{models.IntentDamaged, models.StatusReturnedToSender, models.ActionAskDamageDetails, ""},
		{models.IntentReturnedToSender, models.StatusReturnedToSender, models.ActionVerifyAddress, ""},
		{models.IntentAddressIssue, models.StatusInTransit, models.ActionVerifyAddress, ""},
		{models.IntentStuckInTransit, models.StatusInTransit, models.ActionProvideStatus, ""},
		{models.IntentDelayed, models.StatusDelayed, models.ActionProvideStatus, ""},
		{models.IntentStuckInTransit, models.StatusStuckInTransit, models.ActionEscalate, ReasonCarrierInvestigation},
		{models.IntentDelayed, models.StatusStuckInTransit, models.ActionEscalate, ReasonCarrierInvestigation},
		{models.IntentDamaged, models.StatusUnknown, models.ActionAskDamageDetails, ""},
		{models.IntentDamaged, models.StatusDeliveryAttempted, models.ActionAskDamageDetails, ""},
		{models.IntentDeliveryAttempted, models.StatusDamaged, models.ActionAskAccessQuestions, ""},
		{models.IntentDeliveryAttempted, models.StatusUnknown, models.ActionAskAccessQuestions, ""},
		{models.IntentDeliveryAttempted, models.StatusReturnedToSender, models.ActionAskAccessQuestions, ""},
		{models.IntentReturnedToSender, models.StatusUnknown, models.ActionVerifyAddress, ""},
		{models.IntentAddressIssue, models.StatusDamaged, models.ActionVerifyAddress, ""},
		{models.IntentDeliveredNotReceived, models.StatusUnknown, models.ActionEscalate, ReasonTrackingUnavailable},
		{models.IntentDeliveredNotReceived, models.StatusDeliveryAttempted, models.ActionAskAccessQuestions, ""},
		{models.IntentStuckInTransit, models.StatusUnknown, models.ActionEscalate, ReasonTrackingUnavailable},
		{models.IntentDelayed, models.StatusReturnedToSender, models.ActionVerifyAddress, ""},
		{models.IntentUnknown, models.StatusDelivered, models.ActionAskFollowup, ""},
	}

	engine := NewEngine()
	for _, tt := range tests {
		t.Run(string(tt.intent)+"/"+string(tt.status), func(t *testing.T) {
			d := engine.Decide(Input{Intent: tt.intent, Status: tt.status, Now: now})
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.reason, d.CaseReason)
		})
	}
}

// Damage, attempted-delivery and address complaints never escalate on their
// first occurrence, whatever the carrier reports.
func TestDecide_OwnFlowIntentsAskBeforeEscalating(t *testing.T) {
	engine := NewEngine()
	want := map[models.Intent]models.Action{
		models.IntentDamaged:           models.ActionAskDamageDetails,
		models.IntentDeliveryAttempted: models.ActionAskAccessQuestions,
		models.IntentReturnedToSender:  models.ActionVerifyAddress,
		models.IntentAddressIssue:      models.ActionVerifyAddress,
	}

	for intent, action := range want {
		for _, status := range models.ShipmentStatuses {
			d := engine.Decide(Input{Intent: intent, Status: status, Now: now})
			assert.Equal(t, action, d.Action, "(%s, %s)", intent, status)
			assert.False(t, d.NeedsCase, "(%s, %s)", intent, status)
		}
	}
}

func TestDecide_Deterministic(t *testing.T) {
	engine := NewEngine()
	history := claims(models.IntentDamaged, time.Hour, 2*time.Hour)

	for _, intent := range models.Intents {
		for _, status := range models.ShipmentStatuses {
			in := Input{
				Intent:    intent,
				Status:    status,
				RiskFlags: []string{models.RiskHighValue},
				History:   history,
				Now:       now,
				Lookback:  24 * time.Hour,
			}
			assert.Equal(t, engine.Decide(in), engine.Decide(in))
		}
	}
}

func TestDecide_RepeatClaimForcesCase(t *testing.T) {
	engine := NewEngine()

	d := engine.Decide(Input{
		Intent:  models.IntentDamaged,
		Status:  models.StatusDelivered,
		History: claims(models.IntentDamaged, time.Hour, 2*time.Hour),
		Now:     now,
	})
	assert.True(t, d.NeedsCase)
	assert.True(t, d.RepeatClaim)
	assert.Equal(t, models.ActionEscalate, d.Action)
	assert.Equal(t, ReasonRepeatClaim, d.CaseReason)
	assert.Contains(t, d.RiskFlags, models.RiskRepeatClaim)

	d = engine.Decide(Input{
		Intent:  models.IntentDamaged,
		Status:  models.StatusDelivered,
		History: claims(models.IntentDamaged, time.Hour),
		Now:     now,
	})
	assert.False(t, d.NeedsCase)
	assert.Equal(t, models.ActionAskDamageDetails, d.Action)
}

func TestDecide_RepeatClaimRespectsIntentAndLookback(t *testing.T) {
	engine := NewEngine()

	mixed := append(claims(models.IntentDamaged, time.Hour), claims(models.IntentDelayed, 2*time.Hour)...)
	d := engine.Decide(Input{Intent: models.IntentDamaged, Status: models.StatusDelivered, History: mixed, Now: now})
	assert.False(t, d.RepeatClaim)

	old := claims(models.IntentDamaged, 90*24*time.Hour, 100*24*time.Hour)
	d = engine.Decide(Input{Intent: models.IntentDamaged, Status: models.StatusDelivered, History: old, Now: now, Lookback: 60 * 24 * time.Hour})
	assert.False(t, d.RepeatClaim)

	d = engine.Decide(Input{Intent: models.IntentDamaged, Status: models.StatusDelivered, History: old, Now: now})
	assert.True(t, d.RepeatClaim)

	tracking := claims(models.IntentTrackOrder, time.Hour, 2*time.Hour, 3*time.Hour)
	d = engine.Decide(Input{Intent: models.IntentTrackOrder, Status: models.StatusInTransit, History: tracking, Now: now})
	assert.False(t, d.NeedsCase)
	assert.Equal(t, models.ActionProvideStatus, d.Action)
}

func TestDecide_Overrides(t *testing.T) {
	engine := NewEngine()

	d := engine.Decide(Input{
		Intent:    models.IntentTrackOrder,
		Status:    models.StatusInTransit,
		RiskFlags: []string{models.RiskFraudSuspected},
		Now:       now,
	})
	assert.Equal(t, models.ActionEscalate, d.Action)
	assert.Equal(t, ReasonFraudReview, d.CaseReason)

	d = engine.Decide(Input{
		Intent:    models.IntentDeliveredNotReceived,
		Status:    models.StatusDelivered,
		RiskFlags: []string{models.RiskHighValue},
		Now:       now,
	})
	assert.Equal(t, models.ActionEscalate, d.Action)
	assert.Equal(t, ReasonHighValueInvestigation, d.CaseReason)
	assert.Equal(t, []string{models.RiskHighValue}, d.RiskFlags)

	d = engine.Decide(Input{
		Intent:    models.IntentDeliveredNotReceived,
		Status:    models.StatusInTransit,
		RiskFlags: []string{models.RiskHighValue},
		Now:       now,
	})
	assert.Equal(t, models.ActionProvideStatus, d.Action)
}

func TestDecide_AddressIssueEscalatesOnRepeat(t *testing.T) {
	engine := NewEngine()

	first := engine.Decide(Input{Intent: models.IntentReturnedToSender, Status: models.StatusReturnedToSender, Now: now})
	assert.Equal(t, models.ActionVerifyAddress, first.Action)
	assert.False(t, first.NeedsCase)

	second := engine.Decide(Input{
		Intent:  models.IntentReturnedToSender,
		Status:  models.StatusReturnedToSender,
		History: claims(models.IntentReturnedToSender, time.Hour),
		Now:     now,
	})
	assert.Equal(t, models.ActionEscalate, second.Action)
	assert.Equal(t, ReasonAddressUnresolved, second.CaseReason)
}

func TestDecide_DoesNotAliasInputFlags(t *testing.T) {
	engine := NewEngine()
	flags := make([]string, 0, 4)
	flags = append(flags, models.RiskHighValue)

	d := engine.Decide(Input{
		Intent:    models.IntentDamaged,
		Status:    models.StatusDamaged,
		RiskFlags: flags,
		History:   claims(models.IntentDamaged, time.Hour, time.Hour),
		Now:       now,
	})
	assert.Equal(t, []string{models.RiskHighValue, models.RiskRepeatClaim}, d.RiskFlags)
	assert.Equal(t, []string{models.RiskHighValue}, flags)
}
