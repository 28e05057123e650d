package constants

import "time"

// Redis key prefixes and names
const (
	SessionKeyPrefix  = "wismo:session:"
	CaseKeyPrefix     = "wismo:case:"
	OpenCaseKeyPrefix = "wismo:case_open:"
	OrderKeyPrefix    = "wismo:order:"
	ShipmentKeyPrefix = "wismo:shipment:"
	ActionLogStream   = "wismo:action_log"
)

// Conversation defaults
const (
	// DefaultContextTurns - number of recent turns handed to the classifier
	DefaultContextTurns = 6

	// RepeatClaimThreshold - prior same-intent claims that force a case
	RepeatClaimThreshold = 2

	// LowConfidence - classifier results below this are treated as ambiguous
	LowConfidence = 0.5

	// ShortMessageWords - residual word count under which a message counts as a follow-up
	ShortMessageWords = 6

	// StuckInTransitAfter - an in-transit shipment with no scan for this long is stuck
	StuckInTransitAfter = 48 * time.Hour
)

// Handoff consumer timings
const (
	HandoffReadBlock       = 1 * time.Second
	HandoffReadCount       = 10
	HandoffRecoveryEvery   = 30 * time.Second
	HandoffClaimMinIdle    = 1 * time.Minute
	HandoffNotifierTimeout = 10 * time.Second
)

func SessionKey(sessionID string) string {
	return SessionKeyPrefix + sessionID
}

func CaseKey(caseID string) string {
	return CaseKeyPrefix + caseID
}

// OpenCaseKey indexes the single open case for an (order, email) pair.
func OpenCaseKey(orderID, email string) string {
	return OpenCaseKeyPrefix + orderID + "|" + email
}

func OrderKey(orderID string) string {
	return OrderKeyPrefix + orderID
}

func ShipmentKey(trackingID string) string {
	return ShipmentKeyPrefix + trackingID
}
