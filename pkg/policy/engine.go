// Package policy maps (intent, shipment status, claim history, risk flags) to
// a recommended action. Decide is pure: the same Input always yields the same
// Decision.
package policy

import (
	"time"

	"wismo-triage/pkg/constants"
	"wismo-triage/pkg/models"
)

// Names of the override rules reported in Decision.Rule.
const (
	RuleRepeatClaim    = "repeat_claim"
	RuleFraudSuspected = "fraud_suspected"
	RuleAddressRepeat  = "address_unresolved"
	RuleHighValueClaim = "high_value_delivered_not_received"
	RulePolicyGap      = "policy_gap"
)

// A returned or misaddressed parcel escalates from its second occurrence.
const addressRepeatPrior = 1

type Input struct {
	Intent    models.Intent
	Status    models.ShipmentStatus
	RiskFlags []string
	// History holds the claims committed before this turn.
	History []models.ClaimEntry
	Now     time.Time
	// Lookback bounds History by age; zero means all of it.
	Lookback time.Duration
}

type Decision struct {
	Action      models.Action
	NeedsCase   bool
	CaseReason  string
	Rule        string
	PolicyGap   bool
	RepeatClaim bool
	RiskFlags   []string
}

type Engine struct {
	table       *Table
	repeatFloor int
}

func NewEngine() *Engine {
	return NewEngineWithTable(NewTable(DefaultRules))
}

func NewEngineWithTable(table *Table) *Engine {
	return &Engine{table: table, repeatFloor: constants.RepeatClaimThreshold}
}

func (e *Engine) Decide(in Input) Decision {
	rule, ok := e.table.Lookup(in.Intent, in.Status)
	if !ok {
		return Decision{
			Action:    models.ActionAskFollowup,
			Rule:      RulePolicyGap,
			PolicyGap: true,
			RiskFlags: copyFlags(in.RiskFlags),
		}
	}

	d := Decision{
		Action:     rule.Action,
		NeedsCase:  rule.Action == models.ActionEscalate,
		CaseReason: rule.CaseReason,
		Rule:       rule.Name,
		RiskFlags:  copyFlags(in.RiskFlags),
	}

	prior := 0
	if in.Intent.IsClaim() {
		prior = countPrior(in.History, in.Intent, in.Now, in.Lookback)
	}

	switch {
	case in.Intent.IsClaim() && prior >= e.repeatFloor:
		d.escalate(RuleRepeatClaim, ReasonRepeatClaim)
		d.RepeatClaim = true
		d.RiskFlags = addFlag(d.RiskFlags, models.RiskRepeatClaim)
	case hasFlag(in.RiskFlags, models.RiskFraudSuspected):
		d.escalate(RuleFraudSuspected, ReasonFraudReview)
	case rule.Action == models.ActionVerifyAddress && isAddressIntent(in.Intent) && prior >= addressRepeatPrior:
		d.escalate(RuleAddressRepeat, ReasonAddressUnresolved)
	case hasFlag(in.RiskFlags, models.RiskHighValue) &&
		in.Intent == models.IntentDeliveredNotReceived && in.Status == models.StatusDelivered:
		d.escalate(RuleHighValueClaim, ReasonHighValueInvestigation)
	}

	return d
}

func (d *Decision) escalate(rule, reason string) {
	d.Action = models.ActionEscalate
	d.NeedsCase = true
	d.CaseReason = reason
	d.Rule = rule
}

func countPrior(history []models.ClaimEntry, intent models.Intent, now time.Time, lookback time.Duration) int {
	n := 0
	for _, c := range history {
		if c.Intent != intent {
			continue
		}
		if lookback > 0 && now.Sub(c.Timestamp) > lookback {
			continue
		}
		n++
	}
	return n
}

func isAddressIntent(intent models.Intent) bool {
	return intent == models.IntentReturnedToSender || intent == models.IntentAddressIssue
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func addFlag(flags []string, flag string) []string {
	if hasFlag(flags, flag) {
		return flags
	}
	return append(flags, flag)
}

func copyFlags(flags []string) []string {
	return append([]string{}, flags...)
}
