package store

import (
	"context"
	"sync"
	"time"

	"wismo-triage/pkg/models"
)

// MemorySessionStore is a process-local SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*models.Session)}
}

func (s *MemorySessionStore) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *MemorySessionStore) CompareAndSwap(ctx context.Context, sess *models.Session, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.sessions[sess.SessionID]; ok {
		current = existing.Version
	}
	if current != expectedVersion || sess.Version != expectedVersion+1 {
		return ErrVersionConflict
	}

	s.sessions[sess.SessionID] = sess.Clone()
	return nil
}

// MemoryCaseStore is a process-local CaseStore.
type MemoryCaseStore struct {
	mu    sync.Mutex
	cases map[string]*models.Case
	open  map[string]string // OpenCaseKey -> case id
	now   func() time.Time
}

func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{
		cases: make(map[string]*models.Case),
		open:  make(map[string]string),
		now:   time.Now,
	}
}

func (s *MemoryCaseStore) Get(ctx context.Context, caseID string) (*models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryCaseStore) CreateOrReuse(ctx context.Context, req CaseRequest) (*models.Case, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, email := normalizeCaseKey(req.OrderID, req.Email)
	key := openKey(orderID, email)
	if id, ok := s.open[key]; ok {
		if c := s.cases[id]; c.IsOpen() {
			cp := *c
			return &cp, false, nil
		}
	}

	c := &models.Case{
		CaseID:          NewCaseID(),
		OrderID:         orderID,
		Email:           email,
		Status:          models.CaseOpen,
		Reason:          req.Reason,
		HandoffNote:     req.HandoffNote,
		LinkedSessionID: req.SessionID,
		CreatedAt:       s.now().UTC(),
	}
	s.cases[c.CaseID] = c
	s.open[key] = c.CaseID

	cp := *c
	return &cp, true, nil
}

func (s *MemoryCaseStore) Close(ctx context.Context, caseID string) (*models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	if c.Status != models.CaseClosed {
		closedAt := s.now().UTC()
		c.Status = models.CaseClosed
		c.ClosedAt = &closedAt
	}
	key := openKey(c.OrderID, c.Email)
	if s.open[key] == caseID {
		delete(s.open, key)
	}

	cp := *c
	return &cp, nil
}

// Count is used by tests to assert no duplicate cases were written.
func (s *MemoryCaseStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cases)
}

// MemoryActionLog keeps audit entries in append order.
type MemoryActionLog struct {
	mu      sync.Mutex
	entries []models.ActionLogEntry
}

func NewMemoryActionLog() *MemoryActionLog {
	return &MemoryActionLog{}
}

func (l *MemoryActionLog) Append(ctx context.Context, entry models.ActionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *MemoryActionLog) Entries() []models.ActionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ActionLogEntry(nil), l.entries...)
}
