package models

import "strings"

// Intent is the customer's classified goal
type Intent string

const (
	IntentTrackOrder           Intent = "track_order"
	IntentDeliveredNotReceived Intent = "delivered_not_received"
	IntentDeliveryAttempted    Intent = "delivery_attempted"
	IntentDamaged              Intent = "damaged"
	IntentReturnedToSender     Intent = "returned_to_sender"
	IntentStuckInTransit       Intent = "stuck_in_transit"
	IntentDelayed              Intent = "delayed"
	IntentAddressIssue         Intent = "address_issue"
	IntentUnknown              Intent = "unknown"
)

// Intents lists every enumerated intent, unknown last
var Intents = []Intent{
	IntentTrackOrder,
	IntentDeliveredNotReceived,
	IntentDeliveryAttempted,
	IntentDamaged,
	IntentReturnedToSender,
	IntentStuckInTransit,
	IntentDelayed,
	IntentAddressIssue,
	IntentUnknown,
}

// ParseIntent maps a label to an Intent; anything unrecognised is unknown
func ParseIntent(label string) Intent {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "return_to_sender" {
		return IntentReturnedToSender
	}
	for _, in := range Intents {
		if string(in) == label {
			return in
		}
	}
	return IntentUnknown
}

// IsClaim reports whether the intent is a complaint counted for repeat-claim detection
func (i Intent) IsClaim() bool {
	switch i {
	case IntentTrackOrder, IntentUnknown, "":
		return false
	}
	return true
}

// ShipmentStatus is the normalised carrier status
type ShipmentStatus string

const (
	StatusInTransit            ShipmentStatus = "in_transit"
	StatusDelivered            ShipmentStatus = "delivered"
	StatusDeliveredNotReceived ShipmentStatus = "delivered_not_received"
	StatusDeliveryAttempted    ShipmentStatus = "delivery_attempted"
	StatusDamaged              ShipmentStatus = "damaged"
	StatusReturnedToSender     ShipmentStatus = "returned_to_sender"
	StatusStuckInTransit       ShipmentStatus = "stuck_in_transit"
	StatusDelayed              ShipmentStatus = "delayed"
	StatusUnknown              ShipmentStatus = "unknown"
)

var ShipmentStatuses = []ShipmentStatus{
	StatusInTransit,
	StatusDelivered,
	StatusDeliveredNotReceived,
	StatusDeliveryAttempted,
	StatusDamaged,
	StatusReturnedToSender,
	StatusStuckInTransit,
	StatusDelayed,
	StatusUnknown,
}

var statusSynonyms = map[string]ShipmentStatus{
	"delivery_confirmed":    StatusDelivered,
	"delivered_to_mailroom": StatusDelivered,
	"attempted":             StatusDeliveryAttempted,
	"attempted_delivery":    StatusDeliveryAttempted,
	"notice_left":           StatusDeliveryAttempted,
	"rts":                   StatusReturnedToSender,
	"return_to_sender":      StatusReturnedToSender,
	"damage_reported":       StatusDamaged,
	"delay":                 StatusDelayed,
	"exception":             StatusDelayed,
	"weather_delay":         StatusDelayed,
	"out_for_delivery":      StatusInTransit,
	"picked_up":             StatusInTransit,
	"label_created":         StatusInTransit,
}

// NormalizeStatus maps raw carrier statuses onto the enumerated set
func NormalizeStatus(raw string) ShipmentStatus {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, st := range ShipmentStatuses {
		if string(st) == raw {
			return st
		}
	}
	if st, ok := statusSynonyms[raw]; ok {
		return st
	}
	return StatusUnknown
}

// NextAction is the classifier's suggestion
type NextAction string

const (
	NextAskFollowup NextAction = "ask_followup"
	NextRetrieve    NextAction = "retrieve"
	NextEscalate    NextAction = "escalate"
)

// Risk flags
const (
	RiskRepeatClaim    = "repeat_claim"
	RiskHighValue      = "high_value"
	RiskFraudSuspected = "fraud_suspected"
)

// Slot names
const (
	FieldOrderID = "order_id"
	FieldEmail   = "email"
)

// IntentResult is the validated classifier output for one turn
type IntentResult struct {
	Intent              Intent     `json:"intent"`
	ExtractedOrderID    *string    `json:"extracted_order_id"`
	ExtractedEmail      *string    `json:"extracted_email"`
	MissingFields       []string   `json:"missing_fields"`
	RiskFlags           []string   `json:"risk_flags"`
	Confidence          float64    `json:"confidence"`
	SuggestedNextAction NextAction `json:"suggested_next_action"`
}

// FallbackIntent is substituted for any malformed classifier output
func FallbackIntent() IntentResult {
	return IntentResult{
		Intent:              IntentUnknown,
		MissingFields:       []string{},
		RiskFlags:           []string{},
		Confidence:          0,
		SuggestedNextAction: NextAskFollowup,
	}
}

func (r IntentResult) HasRisk(flag string) bool {
	for _, f := range r.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

func (r IntentResult) OrderID() string {
	if r.ExtractedOrderID == nil {
		return ""
	}
	return *r.ExtractedOrderID
}

func (r IntentResult) Email() string {
	if r.ExtractedEmail == nil {
		return ""
	}
	return *r.ExtractedEmail
}

// Action is the recommended action chosen by the policy engine
type Action string

const (
	ActionAskFollowup        Action = "ask_followup"
	ActionVerifyDetails      Action = "verify_details"
	ActionProvideStatus      Action = "provide_status"
	ActionAskAccessQuestions Action = "ask_access_questions"
	ActionAskDamageDetails   Action = "ask_damage_details"
	ActionVerifyAddress      Action = "verify_address"
	ActionEscalate           Action = "escalate"
)
