// Package store holds the durable keyed state of the triage core: sessions
// (compare-and-swap on version), escalation cases (at most one open case per
// order and email) and the append-only action log.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"wismo-triage/pkg/constants"
	"wismo-triage/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrVersionConflict = errors.New("session version conflict")
	ErrCaseNotFound    = errors.New("case not found")
)

type SessionStore interface {
	// Load returns ErrSessionNotFound when the session has never been committed.
	Load(ctx context.Context, sessionID string) (*models.Session, error)
	// CompareAndSwap commits s only if the stored version equals expectedVersion
	// (0 for a session that does not exist yet). s.Version must already be
	// expectedVersion+1. Returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, s *models.Session, expectedVersion int64) error
}

// AuditedSessionStore is a SessionStore that can write the turn's action log
// entry in the same atomic step as the session CAS. The entry is written only
// when the swap succeeds.
type AuditedSessionStore interface {
	SessionStore
	CompareAndSwapWithEntry(ctx context.Context, s *models.Session, expectedVersion int64, entry models.ActionLogEntry) error
}

type CaseStore interface {
	Get(ctx context.Context, caseID string) (*models.Case, error)
	// CreateOrReuse returns the open case for (orderID, email) if one exists,
	// otherwise creates one. created reports which happened.
	CreateOrReuse(ctx context.Context, req CaseRequest) (c *models.Case, created bool, err error)
	// Close is the external (human) action that ends a case.
	Close(ctx context.Context, caseID string) (*models.Case, error)
}

type ActionLog interface {
	Append(ctx context.Context, entry models.ActionLogEntry) error
}

type CaseRequest struct {
	OrderID     string
	Email       string
	Reason      string
	HandoffNote string
	SessionID   string
}

// NewCaseID returns ids in the CASE-XXXXXXXX format agents already know.
func NewCaseID() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "CASE-" + strings.ToUpper(id[:8])
}

func normalizeCaseKey(orderID, email string) (string, string) {
	return strings.ToUpper(strings.TrimSpace(orderID)), models.NormalizeEmail(email)
}

func openKey(orderID, email string) string {
	return constants.OpenCaseKey(normalizeCaseKey(orderID, email))
}
