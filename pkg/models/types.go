package models

import (
	"strings"
	"time"
)

// Turn is a single message in a conversation
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ClaimEntry records one decided complaint, used for repeat-claim detection
type ClaimEntry struct {
	Intent    Intent    `json:"intent"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the durable state of one conversation
type Session struct {
	SessionID        string       `json:"session_id"`
	Turns            []Turn       `json:"turns"`
	LastIntent       Intent       `json:"last_intent,omitempty"`
	ConfirmedOrderID string       `json:"confirmed_order_id,omitempty"`
	ConfirmedEmail   string       `json:"confirmed_email,omitempty"`
	PendingOrderID   string       `json:"pending_order_id,omitempty"`
	PendingEmail     string       `json:"pending_email,omitempty"`
	ActiveCaseID     string       `json:"active_case_id,omitempty"`
	ClaimHistory     []ClaimEntry `json:"claim_history"`
	Version          int64        `json:"version"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// NewSession returns an empty, uncommitted session (version 0)
func NewSession(sessionID string, now time.Time) *Session {
	return &Session{
		SessionID:    sessionID,
		Turns:        []Turn{},
		ClaimHistory: []ClaimEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy so a turn can mutate state without touching the loaded value
func (s *Session) Clone() *Session {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	c.ClaimHistory = append([]ClaimEntry(nil), s.ClaimHistory...)
	return &c
}

// Confirmed reports whether both identifiers were verified against the order system
func (s *Session) Confirmed() bool {
	return s.ConfirmedOrderID != "" && s.ConfirmedEmail != ""
}

// RecentTurns returns at most n trailing turns
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 || len(s.Turns) <= n {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// Order is a read-only order record
type Order struct {
	OrderID    string   `json:"order_id" yaml:"order_id"`
	Email      string   `json:"email" yaml:"email"`
	Items      []string `json:"items" yaml:"items"`
	Value      float64  `json:"value" yaml:"value"`
	TrackingID string   `json:"tracking_id" yaml:"tracking_id"`
}

// TrackingEvent is one carrier scan
type TrackingEvent struct {
	Timestamp time.Time `json:"ts" yaml:"ts"`
	Status    string    `json:"status" yaml:"status"`
	Location  string    `json:"location,omitempty" yaml:"location,omitempty"`
}

// Shipment is a read-only carrier record
type Shipment struct {
	TrackingID    string          `json:"tracking_id" yaml:"tracking_id"`
	Carrier       string          `json:"carrier" yaml:"carrier"`
	Status        ShipmentStatus  `json:"status" yaml:"status"`
	LastEventTime time.Time       `json:"last_event_time" yaml:"last_event_time"`
	Timeline      []TrackingEvent `json:"timeline,omitempty" yaml:"timeline,omitempty"`
}

// LatestEventTime prefers the explicit last event time and falls back to the timeline
func (s Shipment) LatestEventTime() time.Time {
	latest := s.LastEventTime
	for _, ev := range s.Timeline {
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	return latest
}

// CaseStatus is the lifecycle state of an escalation case
type CaseStatus string

const (
	CaseOpen   CaseStatus = "open"
	CaseClosed CaseStatus = "closed"
)

// Case is an escalation record routed to a human agent
type Case struct {
	CaseID          string     `json:"case_id"`
	OrderID         string     `json:"order_id"`
	Email           string     `json:"email"`
	Status          CaseStatus `json:"status"`
	Reason          string     `json:"reason"`
	HandoffNote     string     `json:"handoff_note,omitempty"`
	LinkedSessionID string     `json:"linked_session_id"`
	CreatedAt       time.Time  `json:"created_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

func (c *Case) IsOpen() bool {
	return c != nil && c.Status == CaseOpen
}

// NormalizeEmail is the form used for case deduplication keys
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ActionLogEntry is one append-only audit record per committed turn
type ActionLogEntry struct {
	SessionID   string    `json:"session_id"`
	TurnIndex   int       `json:"turn_index"`
	Intent      Intent    `json:"intent"`
	Decision    Action    `json:"decision"`
	Rule        string    `json:"rule,omitempty"`
	CaseID      string    `json:"case_id,omitempty"`
	CaseCreated bool      `json:"case_created"`
	RiskFlags   []string  `json:"risk_flags,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ChatRequest is the transport-agnostic inbound message
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse is the reply for one turn
type ChatResponse struct {
	Reply          string   `json:"reply"`
	Intent         Intent   `json:"intent"`
	MissingFields  []string `json:"missing_fields"`
	CaseID         *string  `json:"case_id"`
	Action         Action   `json:"action"`
	RiskFlags      []string `json:"risk_flags"`
	LLMConfidence  float64  `json:"llm_confidence"`
	SessionVersion int64    `json:"session_version"`
}
