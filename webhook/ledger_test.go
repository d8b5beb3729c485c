package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"bitbucket.org/mmdatafocus/fiscal_backend/store"
	"github.com/sirupsen/logrus"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var t0 = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type ledgerFixture struct {
	ledger *Ledger
	store  *store.MemoryStore
	sched  *Scheduler
	clock  *testClock
	hits   *int32
	server *httptest.Server
}

// newLedgerFixture serves statuses in order; the last one repeats.
func newLedgerFixture(t *testing.T, statuses ...int) *ledgerFixture {
	t.Helper()
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&hits, 1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(http.StatusText(status)))
	}))
	t.Cleanup(server.Close)

	st := store.NewMemoryStore()
	clock := &testClock{now: t0}
	sched := NewScheduler()
	ledger := NewLedger(st, NewHTTPSender(5*time.Second), sched, quietLogger())
	ledger.Now = clock.Now
	return &ledgerFixture{ledger: ledger, store: st, sched: sched, clock: clock, hits: &hits, server: server}
}

func (f *ledgerFixture) deliver(t *testing.T) *models.WebhookDelivery {
	t.Helper()
	body := []byte(`{"id":"evt-1","kind":"invoice.authorized","timestamp":"2024-05-10T12:00:00Z","data":{}}`)
	d, err := f.ledger.Deliver(context.Background(), "tenant-1", models.EventInvoiceAuthorized, f.server.URL, body, SignatureHeader("whsec_test", body))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	return d
}

func (f *ledgerFixture) reload(t *testing.T, id string) *models.WebhookDelivery {
	t.Helper()
	d, err := f.store.GetDelivery(context.Background(), id)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	return d
}

func TestLedger_FiveFailuresEndFailed(t *testing.T) {
	f := newLedgerFixture(t, http.StatusInternalServerError)
	d := f.deliver(t)

	if d.Status != models.DeliveryStatusPending || d.Attempts != 1 {
		t.Fatalf("after first attempt: status=%s attempts=%d", d.Status, d.Attempts)
	}
	if d.NextAttemptAt == nil || !d.NextAttemptAt.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("expected retry at +5m, got %v", d.NextAttemptAt)
	}

	f.clock.Set(t0.Add(4 * time.Minute))
	if ran := f.sched.RunDue(f.clock.Now()); ran != 0 {
		t.Fatalf("retry fired early")
	}

	for i, offset := range RetryOffsets[1:] {
		f.clock.Set(t0.Add(offset))
		if ran := f.sched.RunDue(f.clock.Now()); ran != 1 {
			t.Fatalf("retry %d: expected 1 task, ran %d", i+2, ran)
		}
	}

	got := f.reload(t, d.ID)
	if got.Status != models.DeliveryStatusFailed || got.Attempts != 5 {
		t.Fatalf("expected failed with 5 attempts, got status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got.LastStatus == nil || *got.LastStatus != 500 || got.LastError == nil {
		t.Fatalf("expected last status 500 and an error, got %v %v", got.LastStatus, got.LastError)
	}
	if atomic.LoadInt32(f.hits) != 5 {
		t.Fatalf("expected 5 calls, got %d", *f.hits)
	}
	if f.sched.Len() != 0 {
		t.Fatalf("no retries may remain, got %d", f.sched.Len())
	}
}

func TestLedger_SuccessOnThirdAttempt(t *testing.T) {
	f := newLedgerFixture(t, 500, 500, 200)
	d := f.deliver(t)

	f.clock.Set(t0.Add(5 * time.Minute))
	f.sched.RunDue(f.clock.Now())
	f.clock.Set(t0.Add(30 * time.Minute))
	f.sched.RunDue(f.clock.Now())

	got := f.reload(t, d.ID)
	if got.Status != models.DeliveryStatusSuccess || got.Attempts != 3 || got.DeliveredAt == nil {
		t.Fatalf("expected success on attempt 3, got status=%s attempts=%d", got.Status, got.Attempts)
	}
	if f.sched.Len() != 0 {
		t.Fatalf("remaining retries must be cancelled")
	}

	f.clock.Set(t0.Add(48 * time.Hour))
	if ran := f.sched.RunDue(f.clock.Now()); ran != 0 {
		t.Fatalf("no further attempts expected, ran %d", ran)
	}
	if atomic.LoadInt32(f.hits) != 3 {
		t.Fatalf("expected 3 calls, got %d", *f.hits)
	}
}

func TestLedger_LastErrorIsTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 3000)))
	}))
	defer server.Close()

	st := store.NewMemoryStore()
	ledger := NewLedger(st, NewHTTPSender(time.Second), NewScheduler(), quietLogger())
	d, err := ledger.Deliver(context.Background(), "tenant-1", models.EventInvoiceCanceled, server.URL, []byte(`{}`), "sha256=00")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if d.LastError == nil || len(*d.LastError) != 500 {
		t.Fatalf("expected 500-char last error, got %d", len(*d.LastError))
	}
	if !strings.HasPrefix(*d.LastError, "HTTP 502: ") {
		t.Fatalf("unexpected last error prefix %q", (*d.LastError)[:20])
	}
}

func TestLedger_TransportErrorIsAFailedAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	ledger := NewLedger(store.NewMemoryStore(), NewHTTPSender(time.Second), NewScheduler(), quietLogger())
	d, err := ledger.Deliver(context.Background(), "tenant-1", models.EventInvoiceAuthorized, url, []byte(`{}`), "sha256=00")
	if err != nil {
		t.Fatalf("delivery failures must not surface as errors: %v", err)
	}
	if d.Status != models.DeliveryStatusPending || d.Attempts != 1 || d.LastStatus != nil || d.LastError == nil {
		t.Fatalf("unexpected delivery %+v", d)
	}
}

func TestLedger_TimeoutIsAFailedAttempt(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ledger := NewLedger(store.NewMemoryStore(), NewHTTPSender(50*time.Millisecond), NewScheduler(), quietLogger())
	d, err := ledger.Deliver(context.Background(), "tenant-1", models.EventInvoiceAuthorized, server.URL, []byte(`{}`), "sha256=00")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if d.Status != models.DeliveryStatusPending || d.Attempts != 1 || d.LastError == nil {
		t.Fatalf("unexpected delivery %+v", d)
	}
}

func TestLedger_StaleTimerDoesNotResend(t *testing.T) {
	f := newLedgerFixture(t, http.StatusServiceUnavailable)
	d := f.deliver(t)

	cur := f.reload(t, d.ID)
	cur.Status = models.DeliveryStatusSuccess
	if err := f.store.UpdateDelivery(context.Background(), cur); err != nil {
		t.Fatalf("update: %v", err)
	}

	f.clock.Set(t0.Add(5 * time.Minute))
	f.sched.RunDue(f.clock.Now())
	if atomic.LoadInt32(f.hits) != 1 {
		t.Fatalf("stale retry must not send, got %d calls", *f.hits)
	}
	if got := f.reload(t, d.ID); got.Attempts != 1 {
		t.Fatalf("attempts must stay 1, got %d", got.Attempts)
	}
}

func TestLedger_RecoverReschedulesPending(t *testing.T) {
	f := newLedgerFixture(t, http.StatusOK)
	ctx := context.Background()
	later := t0.Add(10 * time.Minute)
	firstFailed := t0.Add(-5 * time.Minute)
	lastErr := "HTTP 500: Internal Server Error"
	rows := []*models.WebhookDelivery{
		{ID: "never-attempted", TenantId: "tenant-1", EventKind: models.EventInvoiceAuthorized, TargetUrl: f.server.URL, Payload: []byte(`{}`), Signature: "sha256=00", Status: models.DeliveryStatusPending, CreatedAt: t0.Add(-time.Minute)},
		{ID: "retry-later", TenantId: "tenant-1", EventKind: models.EventInvoiceCanceled, TargetUrl: f.server.URL, Payload: []byte(`{}`), Signature: "sha256=00", Status: models.DeliveryStatusPending, Attempts: 2, FirstFailedAt: &firstFailed, NextAttemptAt: &later, LastError: &lastErr, CreatedAt: t0.Add(-6 * time.Minute)},
		{ID: "done", TenantId: "tenant-1", EventKind: models.EventInvoiceCanceled, TargetUrl: f.server.URL, Payload: []byte(`{}`), Signature: "sha256=00", Status: models.DeliveryStatusSuccess, Attempts: 1, CreatedAt: t0.Add(-time.Hour)},
	}
	for _, r := range rows {
		if err := f.store.CreateDelivery(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	n, err := f.ledger.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 || f.sched.Len() != 2 {
		t.Fatalf("expected 2 re-armed deliveries, got %d (scheduled %d)", n, f.sched.Len())
	}

	if ran := f.sched.RunDue(f.clock.Now()); ran != 1 {
		t.Fatalf("expected the never-attempted row to run now, ran %d", ran)
	}
	if got := f.reload(t, "never-attempted"); got.Status != models.DeliveryStatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}

	f.clock.Set(later)
	f.sched.RunDue(f.clock.Now())
	got := f.reload(t, "retry-later")
	if got.Status != models.DeliveryStatusSuccess || got.Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestLedger_RedeliverResetsAttempts(t *testing.T) {
	f := newLedgerFixture(t, 500, 500, 500, 500, 500, 200)
	d := f.deliver(t)
	for _, offset := range RetryOffsets[1:] {
		f.clock.Set(t0.Add(offset))
		f.sched.RunDue(f.clock.Now())
	}
	if got := f.reload(t, d.ID); got.Status != models.DeliveryStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}

	if _, err := f.ledger.Redeliver(context.Background(), "tenant-2", d.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND for another tenant, got %v", err)
	}
	got, err := f.ledger.Redeliver(context.Background(), "tenant-1", d.ID)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if got.Status != models.DeliveryStatusSuccess || got.Attempts != 1 {
		t.Fatalf("expected success on fresh attempt 1, got status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestLedger_RedeliverPendingIsConflict(t *testing.T) {
	f := newLedgerFixture(t, 500)
	d := f.deliver(t)
	if _, err := f.ledger.Redeliver(context.Background(), "tenant-1", d.ID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestLedger_ListNewestFirst(t *testing.T) {
	f := newLedgerFixture(t, 200)
	var ids []string
	for i := 0; i < 3; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Minute))
		ids = append(ids, f.deliver(t).ID)
	}
	list, err := f.ledger.List(context.Background(), "tenant-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Fatalf("unexpected order %+v", list)
	}
	list, _ = f.ledger.List(context.Background(), "tenant-1", 2)
	if len(list) != 2 {
		t.Fatalf("expected limit 2, got %d", len(list))
	}
}

// flakyStore fails the next failUpdates calls to UpdateDelivery.
type flakyStore struct {
	*store.MemoryStore
	mu          sync.Mutex
	failUpdates int
}

func (s *flakyStore) UpdateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	s.mu.Lock()
	fail := s.failUpdates > 0
	if fail {
		s.failUpdates--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("mysql: connection reset")
	}
	return s.MemoryStore.UpdateDelivery(ctx, d)
}

func TestLedger_UnrecordedFailureIsRetried(t *testing.T) {
	f := newLedgerFixture(t, http.StatusInternalServerError, http.StatusOK)
	flaky := &flakyStore{MemoryStore: f.store, failUpdates: 1}
	f.ledger.Store = flaky

	body := []byte(`{"id":"evt-1","kind":"invoice.authorized","timestamp":"2024-05-10T12:00:00Z","data":{}}`)
	_, err := f.ledger.Deliver(context.Background(), "tenant-1", models.EventInvoiceAuthorized, f.server.URL, body, SignatureHeader("whsec_test", body))
	if err == nil {
		t.Fatalf("expected the store error to surface")
	}
	if f.sched.Len() != 1 {
		t.Fatalf("a retry must be armed, got %d", f.sched.Len())
	}

	list, lerr := f.store.ListDeliveries(context.Background(), "tenant-1", 10)
	if lerr != nil || len(list) != 1 {
		t.Fatalf("expected one delivery row, got %d (%v)", len(list), lerr)
	}
	id := list[0].ID

	f.clock.Set(t0.Add(5 * time.Minute))
	if ran := f.sched.RunDue(f.clock.Now()); ran != 1 {
		t.Fatalf("expected the retry to run, ran %d", ran)
	}
	got := f.reload(t, id)
	if got.Status != models.DeliveryStatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}
	if atomic.LoadInt32(f.hits) != 2 {
		t.Fatalf("expected 2 calls, got %d", *f.hits)
	}
	if f.sched.Len() != 0 {
		t.Fatalf("no retries may remain, got %d", f.sched.Len())
	}
}

func TestLedger_UnrecordedSuccessIsRetried(t *testing.T) {
	f := newLedgerFixture(t, http.StatusOK)
	flaky := &flakyStore{MemoryStore: f.store, failUpdates: 1}
	f.ledger.Store = flaky

	body := []byte(`{}`)
	if _, err := f.ledger.Deliver(context.Background(), "tenant-1", models.EventInvoiceAuthorized, f.server.URL, body, SignatureHeader("whsec_test", body)); err == nil {
		t.Fatalf("expected the store error to surface")
	}
	f.clock.Set(t0.Add(time.Minute))
	if ran := f.sched.RunDue(f.clock.Now()); ran != 1 {
		t.Fatalf("expected the retry after %s, ran %d", f.ledger.PersistRetry, ran)
	}
	list, _ := f.store.ListDeliveries(context.Background(), "tenant-1", 10)
	if len(list) != 1 || list[0].Status != models.DeliveryStatusSuccess {
		t.Fatalf("expected one successful delivery, got %+v", list)
	}
}
