package policy

import "wismo-triage/pkg/models"

// Wildcards used in Rule keys. AnyCarrierClaim stands for the complaint
// intents whose answer depends on what the carrier reports (see
// carrierDriven); intents with their own question flow never match it.
const (
	AnyStatus       models.ShipmentStatus = "*"
	AnyCarrierClaim models.Intent         = "*carrier_claim"
)

// Case reasons.
const (
	ReasonRepeatClaim            = "repeat_claim"
	ReasonFraudReview            = "fraud_review"
	ReasonHighValueInvestigation = "high_value_investigation"
	ReasonAddressUnresolved      = "address_unresolved"
	ReasonCarrierInvestigation   = "carrier_investigation"
	ReasonTrackingUnavailable    = "tracking_unavailable"
)

// Rule is one row of the decision table. A rule escalates (and so needs a
// case) exactly when Action is escalate.
type Rule struct {
	Name       string
	Intent     models.Intent
	Status     models.ShipmentStatus
	Action     models.Action
	CaseReason string
}

// Table resolves a rule by precedence: the exact (intent, status) row, then
// (AnyCarrierClaim, status) for carrier-driven intents, then (intent, AnyStatus).
type Table struct {
	rows map[tableKey]Rule
}

type tableKey struct {
	intent models.Intent
	status models.ShipmentStatus
}

func NewTable(rules []Rule) *Table {
	t := &Table{rows: make(map[tableKey]Rule, len(rules))}
	for _, r := range rules {
		t.rows[tableKey{r.Intent, r.Status}] = r
	}
	return t
}

func (t *Table) Lookup(intent models.Intent, status models.ShipmentStatus) (Rule, bool) {
	if r, ok := t.rows[tableKey{intent, status}]; ok {
		return r, true
	}
	if carrierDriven(intent) {
		if r, ok := t.rows[tableKey{AnyCarrierClaim, status}]; ok {
			return r, true
		}
	}
	r, ok := t.rows[tableKey{intent, AnyStatus}]
	return r, ok
}

// carrierDriven intents are answered from the shipment status. Damage,
// attempted delivery and address complaints always run their own flow first.
func carrierDriven(intent models.Intent) bool {
	switch intent {
	case models.IntentDeliveredNotReceived, models.IntentStuckInTransit, models.IntentDelayed:
		return true
	}
	return false
}

// DefaultRules is the production decision table.
var DefaultRules = []Rule{
	{Name: "track_order_status", Intent: models.IntentTrackOrder, Status: AnyStatus, Action: models.ActionProvideStatus},

	// Status-specific flows for complaints answered from carrier data.
	{Name: "carrier_delivery_attempted", Intent: AnyCarrierClaim, Status: models.StatusDeliveryAttempted, Action: models.ActionAskAccessQuestions},
	{Name: "carrier_damaged", Intent: AnyCarrierClaim, Status: models.StatusDamaged, Action: models.ActionAskDamageDetails},
	{Name: "carrier_returned_to_sender", Intent: AnyCarrierClaim, Status: models.StatusReturnedToSender, Action: models.ActionVerifyAddress},
	{Name: "carrier_tracking_unavailable", Intent: AnyCarrierClaim, Status: models.StatusUnknown, Action: models.ActionEscalate, CaseReason: ReasonTrackingUnavailable},

	{Name: "dnr_delivered", Intent: models.IntentDeliveredNotReceived, Status: models.StatusDelivered, Action: models.ActionAskAccessQuestions},
	{Name: "dnr_delivered_not_received", Intent: models.IntentDeliveredNotReceived, Status: models.StatusDeliveredNotReceived, Action: models.ActionAskAccessQuestions},
	{Name: "dnr_in_transit", Intent: models.IntentDeliveredNotReceived, Status: models.StatusInTransit, Action: models.ActionProvideStatus},
	{Name: "dnr_delayed", Intent: models.IntentDeliveredNotReceived, Status: models.StatusDelayed, Action: models.ActionProvideStatus},
	{Name: "dnr_stuck_in_transit", Intent: models.IntentDeliveredNotReceived, Status: models.StatusStuckInTransit, Action: models.ActionProvideStatus},
	{Name: "dnr_default", Intent: models.IntentDeliveredNotReceived, Status: AnyStatus, Action: models.ActionAskAccessQuestions},

	{Name: "delivery_attempted_default", Intent: models.IntentDeliveryAttempted, Status: AnyStatus, Action: models.ActionAskAccessQuestions},

	{Name: "damaged_default", Intent: models.IntentDamaged, Status: AnyStatus, Action: models.ActionAskDamageDetails},

	{Name: "returned_to_sender_default", Intent: models.IntentReturnedToSender, Status: AnyStatus, Action: models.ActionVerifyAddress},
	{Name: "address_issue_default", Intent: models.IntentAddressIssue, Status: AnyStatus, Action: models.ActionVerifyAddress},

	{Name: "stuck_stuck_in_transit", Intent: models.IntentStuckInTransit, Status: models.StatusStuckInTransit, Action: models.ActionEscalate, CaseReason: ReasonCarrierInvestigation},
	{Name: "stuck_default", Intent: models.IntentStuckInTransit, Status: AnyStatus, Action: models.ActionProvideStatus},
	{Name: "delayed_stuck_in_transit", Intent: models.IntentDelayed, Status: models.StatusStuckInTransit, Action: models.ActionEscalate, CaseReason: ReasonCarrierInvestigation},
	{Name: "delayed_default", Intent: models.IntentDelayed, Status: AnyStatus, Action: models.ActionProvideStatus},

	{Name: "unknown_intent", Intent: models.IntentUnknown, Status: AnyStatus, Action: models.ActionAskFollowup},
}
