package triage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wismo-triage/pkg/classifier"
	"wismo-triage/pkg/constants"
	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/models"
	"wismo-triage/pkg/store"
	"wismo-triage/pkg/tools"
)

var fixedNow = time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)

type countingOrders struct {
	mu    sync.Mutex
	inner tools.OrderTool
	calls []string
}

func (c *countingOrders) GetOrder(ctx context.Context, orderID, email string) (*models.Order, error) {
	c.mu.Lock()
	c.calls = append(c.calls, orderID)
	c.mu.Unlock()
	return c.inner.GetOrder(ctx, orderID, email)
}

func (c *countingOrders) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type harness struct {
	machine  *Machine
	sessions *store.MemorySessionStore
	cases    *store.MemoryCaseStore
	log      *store.MemoryActionLog
	orders   *countingOrders
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	file, err := tools.LoadCatalogFile("")
	require.NoError(t, err)
	catalog := tools.NewCatalog(file)

	adapter, err := classifier.NewAdapter(classifier.NewRulesBackend(), logger, m)
	require.NoError(t, err)

	h := &harness{
		sessions: store.NewMemorySessionStore(),
		cases:    store.NewMemoryCaseStore(),
		log:      store.NewMemoryActionLog(),
		orders:   &countingOrders{inner: catalog},
	}
	deps := Deps{
		Sessions:   h.sessions,
		Cases:      h.cases,
		ActionLog:  h.log,
		Orders:     h.orders,
		Tracking:   catalog,
		Classifier: adapter,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h.machine = NewMachine(deps, DefaultOptions(), logger, m)
	h.machine.SetClock(func() time.Time { return fixedNow })
	return h
}

func (h *harness) send(t *testing.T, sessionID, message string) *models.ChatResponse {
	t.Helper()
	resp, err := h.machine.HandleMessage(context.Background(), models.ChatRequest{SessionID: sessionID, Message: message})
	require.NoError(t, err)
	return resp
}

func (h *harness) session(t *testing.T, sessionID string) *models.Session {
	t.Helper()
	s, err := h.sessions.Load(context.Background(), sessionID)
	require.NoError(t, err)
	return s
}

func TestHandleMessage_DeliveredNotReceivedConversation(t *testing.T) {
	h := newHarness(t)

	first := h.send(t, "s1", "Delivered but not received")
	assert.Equal(t, []string{models.FieldOrderID, models.FieldEmail}, first.MissingFields)
	assert.Equal(t, models.ActionAskFollowup, first.Action)
	assert.Nil(t, first.CaseID)
	assert.Contains(t, first.Reply, "1) Your order ID (example: A1004)")
	assert.Contains(t, first.Reply, "2) The email used for the order")
	assert.Equal(t, models.IntentDeliveredNotReceived, h.session(t, "s1").LastIntent)
	assert.Equal(t, 0, h.cases.Count())

	second := h.send(t, "s1", "Order A1004, anju@example.com")
	assert.Equal(t, models.IntentDeliveredNotReceived, second.Intent)
	assert.Equal(t, models.ActionAskAccessQuestions, second.Action)
	assert.Empty(t, second.MissingFields)
	assert.Nil(t, second.CaseID)
	assert.Contains(t, second.Reply, "marked delivered")

	s := h.session(t, "s1")
	assert.Equal(t, "A1004", s.ConfirmedOrderID)
	assert.Equal(t, "anju@example.com", s.ConfirmedEmail)
	assert.Equal(t, int64(2), s.Version)

	third := h.send(t, "s1", "It says delivered but I still have not received it")
	assert.Equal(t, models.ActionAskAccessQuestions, third.Action)
	assert.Nil(t, third.CaseID)
	assert.Equal(t, 0, h.cases.Count())

	fourth := h.send(t, "s1", "It says delivered but I still have not received it")
	assert.Equal(t, models.ActionEscalate, fourth.Action)
	require.NotNil(t, fourth.CaseID)
	assert.Contains(t, fourth.RiskFlags, models.RiskRepeatClaim)
	assert.Contains(t, fourth.Reply, *fourth.CaseID)
	assert.Equal(t, 1, h.cases.Count())

	c, err := h.cases.Get(context.Background(), *fourth.CaseID)
	require.NoError(t, err)
	assert.Equal(t, "A1004", c.OrderID)
	assert.Equal(t, "repeat_claim", c.Reason)
	assert.Equal(t, "s1", c.LinkedSessionID)
	assert.Equal(t, *fourth.CaseID, h.session(t, "s1").ActiveCaseID)

	fifth := h.send(t, "s1", "It says delivered but I still have not received it")
	require.NotNil(t, fifth.CaseID)
	assert.Equal(t, *fourth.CaseID, *fifth.CaseID)
	assert.Equal(t, 1, h.cases.Count())
	assert.Contains(t, fifth.Reply, "already with our support team")

	entries := h.log.Entries()
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, i+1, e.TurnIndex)
	}
	assert.Empty(t, entries[0].CaseID)
	assert.True(t, entries[3].CaseCreated)
	assert.Equal(t, *fourth.CaseID, entries[4].CaseID)
	assert.False(t, entries[4].CaseCreated)
}

func TestHandleMessage_SlotsCarryAcrossTurns(t *testing.T) {
	h := newHarness(t)

	first := h.send(t, "s1", "where is my order A1001?")
	assert.Equal(t, models.IntentTrackOrder, first.Intent)
	assert.Equal(t, []string{models.FieldEmail}, first.MissingFields)
	assert.Contains(t, first.Reply, "one more detail")
	assert.Equal(t, "A1001", h.session(t, "s1").PendingOrderID)
	assert.Empty(t, h.session(t, "s1").ConfirmedOrderID)

	second := h.send(t, "s1", "anju@example.com")
	assert.Equal(t, models.IntentTrackOrder, second.Intent)
	assert.Equal(t, models.ActionProvideStatus, second.Action)
	assert.Contains(t, second.Reply, "hasn't had a tracking update")

	s := h.session(t, "s1")
	assert.Equal(t, "A1001", s.ConfirmedOrderID)
	assert.Empty(t, s.PendingOrderID)
}

func TestHandleMessage_ConfirmedSlotsAreNotReplaced(t *testing.T) {
	h := newHarness(t)

	h.send(t, "s1", "Order A1004, anju@example.com where is it")
	h.send(t, "s1", "order A1003 sam@example.com it was delivered but not received")

	assert.Equal(t, []string{"A1004", "A1004"}, h.orders.Calls())
	assert.Equal(t, "A1004", h.session(t, "s1").ConfirmedOrderID)
}

func TestHandleMessage_LookupFailureAsksToVerify(t *testing.T) {
	h := newHarness(t)

	resp := h.send(t, "s1", "Delivered but not received A1004 wrong@example.com")
	assert.Equal(t, models.ActionVerifyDetails, resp.Action)
	assert.Contains(t, resp.Reply, "doesn't match")
	assert.Nil(t, resp.CaseID)

	s := h.session(t, "s1")
	assert.Empty(t, s.ConfirmedOrderID)
	assert.Empty(t, s.ConfirmedEmail)
	assert.Empty(t, s.PendingOrderID)
	assert.Empty(t, s.ClaimHistory)

	resp = h.send(t, "s1", "A9999 anju@example.com")
	assert.Equal(t, models.ActionVerifyDetails, resp.Action)
	assert.Contains(t, resp.Reply, "couldn't find that order")

	resp = h.send(t, "s1", "A1004 anju@example.com")
	assert.Equal(t, models.IntentDeliveredNotReceived, resp.Intent)
	assert.Equal(t, models.ActionAskAccessQuestions, resp.Action)
	assert.Equal(t, "A1004", h.session(t, "s1").ConfirmedOrderID)
}

func TestHandleMessage_OpenCaseIsSharedAcrossSessions(t *testing.T) {
	h := newHarness(t)

	first := h.send(t, "s1", "A2002 anju@example.com delivered but not received")
	assert.Equal(t, models.ActionEscalate, first.Action)
	assert.Contains(t, first.RiskFlags, models.RiskHighValue)
	require.NotNil(t, first.CaseID)

	second := h.send(t, "s2", "A2002 ANJU@example.com delivered but not received")
	require.NotNil(t, second.CaseID)
	assert.Equal(t, *first.CaseID, *second.CaseID)
	assert.Equal(t, 1, h.cases.Count())

	entries := h.log.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].CaseCreated)
	assert.False(t, entries[1].CaseCreated)
}

func TestHandleMessage_FirstDamageClaimWithoutTrackingAsksForDetails(t *testing.T) {
	h := newHarness(t)

	resp := h.send(t, "s1", "my package arrived damaged, order A1008 kim@example.com")
	assert.Equal(t, models.IntentDamaged, resp.Intent)
	assert.Equal(t, models.ActionAskDamageDetails, resp.Action)
	assert.Nil(t, resp.CaseID)
	assert.Equal(t, 0, h.cases.Count())

	entries := h.log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "damaged_default", entries[0].Rule)
	assert.False(t, entries[0].CaseCreated)
}

func TestHandleMessage_ClosedActiveCaseIsReplaced(t *testing.T) {
	h := newHarness(t)

	first := h.send(t, "s1", "A2002 anju@example.com delivered but not received")
	require.NotNil(t, first.CaseID)

	_, err := h.cases.Close(context.Background(), *first.CaseID)
	require.NoError(t, err)

	second := h.send(t, "s1", "still not delivered, not here")
	require.NotNil(t, second.CaseID)
	assert.NotEqual(t, *first.CaseID, *second.CaseID)
	assert.Equal(t, 2, h.cases.Count())
	assert.Equal(t, *second.CaseID, h.session(t, "s1").ActiveCaseID)
}

// barrierClassifier holds the first n calls until all n have arrived, so two
// turns are guaranteed to load the same session version.
type barrierClassifier struct {
	inner   IntentClassifier
	n       int32
	calls   int32
	arrived chan struct{}
	release chan struct{}
}

func (b *barrierClassifier) Understand(ctx context.Context, in classifier.Input) models.IntentResult {
	if atomic.AddInt32(&b.calls, 1) <= b.n {
		b.arrived <- struct{}{}
		<-b.release
	}
	return b.inner.Understand(ctx, in)
}

func TestHandleMessage_ConcurrentTurnsCommitOncePerVersion(t *testing.T) {
	barrier := &barrierClassifier{n: 2, arrived: make(chan struct{}, 2), release: make(chan struct{})}
	h := newHarness(t, func(d *Deps) {
		barrier.inner = d.Classifier
		d.Classifier = barrier
	})

	var wg sync.WaitGroup
	responses := make([]*models.ChatResponse, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = h.machine.HandleMessage(context.Background(), models.ChatRequest{
				SessionID: "s1",
				Message:   "A2002 anju@example.com delivered but not received",
			})
		}(i)
	}

	<-barrier.arrived
	<-barrier.arrived
	close(barrier.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	s := h.session(t, "s1")
	assert.Equal(t, int64(2), s.Version)
	assert.Len(t, s.Turns, 4)
	assert.Len(t, s.ClaimHistory, 2)

	versions := []int64{responses[0].SessionVersion, responses[1].SessionVersion}
	assert.ElementsMatch(t, []int64{1, 2}, versions)

	require.NotNil(t, responses[0].CaseID)
	require.NotNil(t, responses[1].CaseID)
	assert.Equal(t, *responses[0].CaseID, *responses[1].CaseID)
	assert.Equal(t, 1, h.cases.Count())

	entries := h.log.Entries()
	require.Len(t, entries, 2)
	created := 0
	for _, e := range entries {
		if e.CaseCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.ElementsMatch(t, []int{1, 2}, []int{entries[0].TurnIndex, entries[1].TurnIndex})
}

type conflictingSessions struct {
	*store.MemorySessionStore
	casCalls int32
}

func (c *conflictingSessions) CompareAndSwap(ctx context.Context, s *models.Session, expected int64) error {
	atomic.AddInt32(&c.casCalls, 1)
	return store.ErrVersionConflict
}

func TestHandleMessage_ConflictRetriesExhausted(t *testing.T) {
	sessions := &conflictingSessions{MemorySessionStore: store.NewMemorySessionStore()}
	h := newHarness(t, func(d *Deps) { d.Sessions = sessions })

	_, err := h.machine.HandleMessage(context.Background(), models.ChatRequest{SessionID: "s1", Message: "A2002 anju@example.com delivered but not received"})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.Equal(t, int32(2), atomic.LoadInt32(&sessions.casCalls))
	assert.Empty(t, h.log.Entries())
}

type unavailableSessions struct{}

func (unavailableSessions) Load(ctx context.Context, id string) (*models.Session, error) {
	return nil, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func (unavailableSessions) CompareAndSwap(ctx context.Context, s *models.Session, expected int64) error {
	return errors.New("unreachable")
}

func TestHandleMessage_StoreUnavailable(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Sessions = unavailableSessions{} })

	_, err := h.machine.HandleMessage(context.Background(), models.ChatRequest{SessionID: "s1", Message: "where is my order"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Empty(t, h.log.Entries())
}

type cancellingClassifier struct {
	inner  IntentClassifier
	cancel context.CancelFunc
}

func (c cancellingClassifier) Understand(ctx context.Context, in classifier.Input) models.IntentResult {
	c.cancel()
	return c.inner.Understand(ctx, in)
}

func TestHandleMessage_CancelledTurnDoesNotCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, func(d *Deps) {
		d.Classifier = cancellingClassifier{inner: d.Classifier, cancel: cancel}
	})

	_, err := h.machine.HandleMessage(ctx, models.ChatRequest{SessionID: "s1", Message: "Delivered but not received"})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = h.sessions.Load(context.Background(), "s1")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
	assert.Empty(t, h.log.Entries())
}

type failingLog struct{}

func (failingLog) Append(ctx context.Context, entry models.ActionLogEntry) error {
	return errors.New("stream unavailable")
}

func TestHandleMessage_ActionLogFailureIsReported(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.ActionLog = failingLog{} })

	for i := 1; i <= 4; i++ {
		_, err := h.machine.HandleMessage(context.Background(), models.ChatRequest{
			SessionID: "s1",
			Message:   "delivered but not received A1004 anju@example.com",
		})
		require.ErrorIs(t, err, ErrStoreUnavailable, "turn %d", i)
		assert.Equal(t, int64(i), h.session(t, "s1").Version)
	}
}

func TestHandleMessage_RedisSessionsWriteAuditWithTurn(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	sessions := store.NewRedisSessionStore(rdb, logger, metrics.NewMetrics(prometheus.NewRegistry()))

	h := newHarness(t, func(d *Deps) {
		d.Sessions = sessions
		d.ActionLog = failingLog{}
	})

	h.send(t, "s1", "delivered but not received A1004 anju@example.com")
	h.send(t, "s1", "still nothing")

	entries, err := rdb.XRange(context.Background(), constants.ActionLogStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "s1", entries[0].Values["session_id"])
	assert.Equal(t, "1", entries[0].Values["turn_index"])
	assert.Equal(t, "2", entries[1].Values["turn_index"])

	s, err := sessions.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Version)
}

func TestHandleMessage_MalformedClassifierOutputIsSafe(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	adapter, err := classifier.NewAdapter(garbageBackend{}, logger, metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)

	h := newHarness(t, func(d *Deps) { d.Classifier = adapter })

	resp := h.send(t, "s1", "Delivered but not received")
	assert.Equal(t, models.IntentUnknown, resp.Intent)
	assert.Equal(t, models.ActionAskFollowup, resp.Action)
	assert.Equal(t, 0.0, resp.LLMConfidence)
	assert.Equal(t, []string{models.FieldOrderID, models.FieldEmail}, resp.MissingFields)
}

type garbageBackend struct{}

func (garbageBackend) Classify(ctx context.Context, in classifier.Input) (string, error) {
	return "<html>502 Bad Gateway</html>", nil
}

func (garbageBackend) Name() string { return "garbage" }

func TestHandleMessage_InvalidRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.machine.HandleMessage(context.Background(), models.ChatRequest{SessionID: "s1", Message: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.machine.HandleMessage(context.Background(), models.ChatRequest{Message: "hello"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
