package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/accesskey"
	"bitbucket.org/mmdatafocus/fiscal_backend/artifacts"
	"bitbucket.org/mmdatafocus/fiscal_backend/gateway"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"bitbucket.org/mmdatafocus/fiscal_backend/sequencer"
	"bitbucket.org/mmdatafocus/fiscal_backend/store"
	"github.com/shopspring/decimal"
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

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGateway struct {
	mu sync.Mutex

	submitErr     error
	submitResults []gateway.SubmitResult
	eventErr      error
	eventReject   bool
	// onEvent runs inside every event call, before the result is returned.
	onEvent func()
	// onSubmit runs inside every submission, before the result is returned.
	onSubmit func()

	submissions   []gateway.Submission
	cancels       int
	corrections   int
	closes        int
	invalidations int
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) CheckStatus(ctx context.Context, cfg gateway.IssuerConfig, kind models.DocumentKind) (gateway.ServiceStatus, error) {
	if g.eventErr != nil {
		return gateway.ServiceStatus{}, g.eventErr
	}
	return gateway.ServiceStatus{State: gateway.ServiceStateUp, Jurisdiction: cfg.Jurisdiction, ReasonCode: "107"}, nil
}

func (g *fakeGateway) Submit(ctx context.Context, cfg gateway.IssuerConfig, sub gateway.Submission) (gateway.SubmitResult, error) {
	if g.onSubmit != nil {
		g.onSubmit()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submissions = append(g.submissions, sub)
	if g.submitErr != nil {
		return gateway.SubmitResult{}, g.submitErr
	}
	if len(g.submitResults) > 0 {
		res := g.submitResults[0]
		g.submitResults = g.submitResults[1:]
		if res.Authorized || res.ReasonCode != "" {
			return res, nil
		}
	}
	return gateway.SubmitResult{
		Authorized:    true,
		AccessKey:     sub.AccessKey,
		Protocol:      fmt.Sprintf("1352400000%05d", sub.Number),
		ReasonCode:    "100",
		ReasonMessage: "Autorizado o uso da NF-e",
		Xml:           []byte("<protNFe/>"),
	}, nil
}

func (g *fakeGateway) event(counter *int) (gateway.EventResult, error) {
	g.mu.Lock()
	*counter++
	hook := g.onEvent
	err, reject := g.eventErr, g.eventReject
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return gateway.EventResult{}, err
	}
	if reject {
		return gateway.EventResult{ReasonCode: "501", ReasonMessage: "Prazo de cancelamento superior ao previsto"}, nil
	}
	return gateway.EventResult{Accepted: true, Protocol: "135240000000999", ReasonCode: "135", Xml: []byte("<retEvento/>")}, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, cfg gateway.IssuerConfig, req gateway.CancelRequest) (gateway.EventResult, error) {
	return g.event(&g.cancels)
}

func (g *fakeGateway) Correct(ctx context.Context, cfg gateway.IssuerConfig, req gateway.CorrectionRequest) (gateway.EventResult, error) {
	return g.event(&g.corrections)
}

func (g *fakeGateway) Close(ctx context.Context, cfg gateway.IssuerConfig, req gateway.CloseRequest) (gateway.EventResult, error) {
	return g.event(&g.closes)
}

func (g *fakeGateway) InvalidateRange(ctx context.Context, cfg gateway.IssuerConfig, req gateway.InvalidationRequest) (gateway.EventResult, error) {
	return g.event(&g.invalidations)
}

type fixture struct {
	ctl       *Controller
	store     *store.MemoryStore
	gw        *fakeGateway
	sink      *RecordingSink
	clock     *testClock
	artifacts *artifacts.MemoryStore
	scope     models.Scope
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T, env models.Environment) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.SaveTenant(ctx, &models.Tenant{ID: "tenant-1", Name: "Software House", ApiKeyPrefix: "sk_test1", IsActive: true}); err != nil {
		t.Fatalf("save tenant: %v", err)
	}
	code, codeId := "A1B2C3D4E5F6", "000001"
	if err := st.SaveIssuer(ctx, &models.Issuer{
		ID:               "issuer-1",
		TenantId:         "tenant-1",
		LegalName:        "Comercio Exemplo LTDA",
		TaxId:            "11222333000181",
		Jurisdiction:     "35",
		StateAbbr:        "SP",
		MunicipalityCode: "3550308",
		Environment:      env,
		SecurityCode:     &code,
		SecurityCodeId:   &codeId,
	}); err != nil {
		t.Fatalf("save issuer: %v", err)
	}

	logger := quietLogger()
	gw := &fakeGateway{}
	sink := &RecordingSink{}
	clock := &testClock{now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	arts := artifacts.NewMemoryStore()

	ctl := NewController(st, sequencer.New(st, logger), gw, logger)
	ctl.Sink = sink
	ctl.Artifacts = arts
	ctl.Now = clock.Now
	var ids int
	var idMu sync.Mutex
	ctl.NewID = func() string {
		idMu.Lock()
		defer idMu.Unlock()
		ids++
		return fmt.Sprintf("id-%04d", ids)
	}

	return &fixture{
		ctl:       ctl,
		store:     st,
		gw:        gw,
		sink:      sink,
		clock:     clock,
		artifacts: arts,
		scope:     models.Scope{TenantId: "tenant-1", IssuerId: "issuer-1"},
	}
}

func goodsItems() []models.LineItem {
	return []models.LineItem{{
		Code:        "SKU-1",
		Description: "Parafuso sextavado",
		Ncm:         "73181500",
		Cfop:        "5102",
		Quantity:    decimal.NewFromInt(10),
		UnitPrice:   decimal.RequireFromString("2.50"),
	}}
}

func goodsInvoice() EmitRequest {
	return EmitRequest{
		Kind:   models.DocumentKindGoodsInvoice,
		Series: 1,
		Payload: &models.GoodsInvoicePayload{
			Nature:    "Venda de mercadoria",
			Recipient: models.Party{TaxId: "99888777000166", Name: "Cliente Exemplo SA"},
			Items:     goodsItems(),
		},
	}
}

func consumerInvoice() EmitRequest {
	return EmitRequest{
		Kind:   models.DocumentKindConsumerInvoice,
		Series: 1,
		Payload: &models.ConsumerInvoicePayload{
			Items:    goodsItems(),
			Payments: []models.Payment{{Method: "01", Amount: decimal.NewFromInt(25)}},
		},
	}
}

func manifest() EmitRequest {
	return EmitRequest{
		Kind:   models.DocumentKindManifest,
		Series: 1,
		Payload: &models.ManifestPayload{
			StartState: "SP",
			EndState:   "PR",
			TripStart:  time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC),
			Vehicle:    models.Vehicle{Plate: "ABC1D23", TareKg: 8000, CapacityKg: 20000},
			Driver:     models.Driver{TaxId: "12345678909", Name: "Motorista Exemplo"},
			Documents: []models.LinkedDocument{{
				AccessKey: "35240511222333000181550010000000011123456782",
				Type:      "nfe",
			}},
			CargoValue:    decimal.NewFromInt(25),
			CargoWeightKg: decimal.NewFromInt(120),
		},
	}
}

// ctxStore refuses writes on a finished context, as gorm does.
type ctxStore struct {
	*store.MemoryStore
}

func (s ctxStore) UpdateDocument(ctx context.Context, doc *models.FiscalDocument, expectedStatus models.DocumentStatus, expectedVersion int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.UpdateDocument(ctx, doc, expectedStatus, expectedVersion)
}

func (s ctxStore) AppendCorrection(ctx context.Context, doc *models.FiscalDocument, expectedVersion int, ev *models.CorrectionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.AppendCorrection(ctx, doc, expectedVersion, ev)
}

func (f *fixture) emit(t *testing.T, req EmitRequest) *models.FiscalDocument {
	t.Helper()
	doc, err := f.ctl.Emit(context.Background(), f.scope, req)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return doc
}

func (f *fixture) eventKinds() []models.EventKind {
	var out []models.EventKind
	for _, ev := range f.sink.Events() {
		out = append(out, ev.Kind)
	}
	return out
}

func TestEmit_GoodsInvoiceForFreshIssuer(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	doc := f.emit(t, goodsInvoice())

	if doc.Number != 1 {
		t.Fatalf("expected number 1, got %d", doc.Number)
	}
	if doc.Status != models.DocumentStatusAuthorized {
		t.Fatalf("expected AUTHORIZED, got %s", doc.Status)
	}
	key := doc.AccessKeyValue()
	if err := accesskey.Validate(key); err != nil {
		t.Fatalf("invalid access key %q: %v", key, err)
	}
	if key[20:22] != "55" || key[0:2] != "35" || key[2:6] != "2405" {
		t.Fatalf("unexpected key layout %q", key)
	}
	if !doc.Amount.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected amount 25, got %s", doc.Amount)
	}
	if doc.AuthorizedAt == nil || doc.Protocol == nil {
		t.Fatalf("authorization fields missing: %+v", doc)
	}

	kinds := f.eventKinds()
	if len(kinds) != 1 || kinds[0] != models.EventInvoiceAuthorized {
		t.Fatalf("expected exactly one invoice.authorized event, got %v", kinds)
	}
	if _, ok := f.artifacts.Get(artifacts.ObjectName(doc.Kind, key, "")); !ok {
		t.Fatalf("expected stored xml for %s", key)
	}

	stored, err := f.store.GetDocument(context.Background(), "tenant-1", doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.DocumentStatusAuthorized || stored.AccessKeyValue() != key {
		t.Fatalf("stored document differs: %+v", stored)
	}
	issuer, _ := f.store.GetIssuer(context.Background(), "tenant-1", "issuer-1")
	if issuer.FirstEmissionAt == nil {
		t.Fatalf("expected first emission to be recorded")
	}
}

func TestEmit_ConcurrentCallsGetContiguousNumbers(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	const n = 40

	var wg sync.WaitGroup
	numbers := make(chan int64, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := f.ctl.Emit(context.Background(), f.scope, goodsInvoice())
			if err != nil {
				errs <- err
				return
			}
			numbers <- doc.Number
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)
	for err := range errs {
		t.Fatalf("emit: %v", err)
	}

	var got []int
	for num := range numbers {
		got = append(got, int(num))
	}
	sort.Ints(got)
	if len(got) != n {
		t.Fatalf("expected %d numbers, got %d", n, len(got))
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("numbers not contiguous: %v", got)
		}
	}
}

func TestEmit_SequencerUnavailableCreatesNothing(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	f.store.CounterErr = errors.New("redis: connection refused")

	_, err := f.ctl.Emit(context.Background(), f.scope, goodsInvoice())
	if !errors.Is(err, models.ErrSequencingUnavailable) {
		t.Fatalf("expected SEQUENCING_UNAVAILABLE, got %v", err)
	}
	if !models.IsRetryable(err) {
		t.Fatalf("expected retryable error")
	}
	if len(f.gw.submissions) != 0 {
		t.Fatalf("gateway must not be called")
	}
	n, _ := f.store.CountDocumentsInRange(context.Background(), "issuer-1", models.DocumentKindGoodsInvoice, 1, 1, 999999999)
	if n != 0 {
		t.Fatalf("expected no documents, got %d", n)
	}
}

func TestEmit_RejectionIsTerminal(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	f.gw.submitResults = []gateway.SubmitResult{{ReasonCode: "204", ReasonMessage: "Duplicidade de NF-e"}}

	doc, err := f.ctl.Emit(context.Background(), f.scope, goodsInvoice())
	if !errors.Is(err, models.ErrGatewayRejection) {
		t.Fatalf("expected GATEWAY_REJECTION, got %v", err)
	}
	var fe *models.FiscalError
	if !errors.As(err, &fe) || fe.ReasonCode != "204" {
		t.Fatalf("expected reason code 204, got %+v", fe)
	}
	if models.IsRetryable(err) {
		t.Fatalf("rejection must not be retryable")
	}
	if doc == nil || doc.Status != models.DocumentStatusRejected || doc.AccessKey != nil {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.ReasonMessage == nil || *doc.ReasonMessage != "Duplicidade de NF-e" {
		t.Fatalf("reason message not preserved: %v", doc.ReasonMessage)
	}
	if kinds := f.eventKinds(); len(kinds) != 1 || kinds[0] != models.EventInvoiceRejected {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestEmit_GatewayUnavailableLeavesError(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	f.gw.submitErr = context.DeadlineExceeded

	doc, err := f.ctl.Emit(context.Background(), f.scope, goodsInvoice())
	if !errors.Is(err, models.ErrGatewayUnavailable) || !models.IsRetryable(err) {
		t.Fatalf("expected retryable GATEWAY_UNAVAILABLE, got %v", err)
	}
	if doc == nil || doc.Status != models.DocumentStatusError || doc.AccessKey != nil {
		t.Fatalf("unexpected document %+v", doc)
	}
	if kinds := f.eventKinds(); len(kinds) != 1 || kinds[0] != models.EventInvoiceFailed {
		t.Fatalf("unexpected events %v", kinds)
	}

	f.gw.submitErr = nil
	retry := f.emit(t, goodsInvoice())
	if retry.Number != 2 {
		t.Fatalf("retry must use a new number, got %d", retry.Number)
	}
}

func TestEmit_KeyConflictRegeneratesDisambiguator(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	f.gw.submitResults = []gateway.SubmitResult{{ReasonCode: gateway.ReasonKeyConflict, ReasonMessage: "Duplicidade de chave"}}
	values := []int{11111111, 22222222}
	f.ctl.Disambiguator = func() int {
		v := values[0]
		values = values[1:]
		return v
	}

	doc := f.emit(t, goodsInvoice())
	if len(f.gw.submissions) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(f.gw.submissions))
	}
	first, second := f.gw.submissions[0].AccessKey, f.gw.submissions[1].AccessKey
	if first == second {
		t.Fatalf("expected a regenerated key")
	}
	if doc.AccessKeyValue() != second || second[35:43] != "22222222" {
		t.Fatalf("document key %q should be the second submission %q", doc.AccessKeyValue(), second)
	}
	if f.gw.submissions[0].Number != f.gw.submissions[1].Number {
		t.Fatalf("number must not change between key attempts")
	}
}

func TestEmit_ConsumerInvoiceRequiresSecurityCode(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	issuer, _ := f.store.GetIssuer(context.Background(), "tenant-1", "issuer-1")
	issuer.SecurityCode = nil
	if err := f.store.SaveIssuer(context.Background(), issuer); err != nil {
		t.Fatalf("save issuer: %v", err)
	}

	_, err := f.ctl.Emit(context.Background(), f.scope, consumerInvoice())
	if !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected PRECONDITION, got %v", err)
	}
	if len(f.gw.submissions) != 0 {
		t.Fatalf("gateway must not be called")
	}
}

func TestEmit_InvalidPayloadIsValidationError(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	req := goodsInvoice()
	req.Payload.(*models.GoodsInvoicePayload).Items = nil

	if _, err := f.ctl.Emit(context.Background(), f.scope, req); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	req = goodsInvoice()
	req.Kind = models.DocumentKindManifest
	if _, err := f.ctl.Emit(context.Background(), f.scope, req); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected VALIDATION for mismatched payload, got %v", err)
	}
}

const justification = "Erro na digitacao do destinatario"

func TestCancel_ProductionWindow(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	late := f.emit(t, goodsInvoice())
	f.clock.Advance(200 * time.Hour)

	_, err := f.ctl.Cancel(context.Background(), f.scope, late.ID, justification)
	if !errors.Is(err, models.ErrTimeWindowExpired) {
		t.Fatalf("expected TIME_WINDOW_EXPIRED, got %v", err)
	}
	stored, _ := f.store.GetDocument(context.Background(), "tenant-1", late.ID)
	if stored.Status != models.DocumentStatusAuthorized {
		t.Fatalf("status must be unchanged, got %s", stored.Status)
	}
	if f.gw.cancels != 0 {
		t.Fatalf("gateway must not be called")
	}

	onTime := f.emit(t, goodsInvoice())
	f.clock.Advance(24*time.Hour - time.Second)
	doc, err := f.ctl.Cancel(context.Background(), f.scope, onTime.ID, justification)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if doc.Status != models.DocumentStatusCanceled || doc.CanceledAt == nil {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.AccessKeyValue() != onTime.AccessKeyValue() {
		t.Fatalf("access key must not change on cancel")
	}
	kinds := f.eventKinds()
	if kinds[len(kinds)-1] != models.EventInvoiceCanceled {
		t.Fatalf("expected invoice.canceled last, got %v", kinds)
	}
}

func TestCancel_HomologationWindowIsLonger(t *testing.T) {
	f := newFixture(t, models.EnvironmentHomologation)
	doc := f.emit(t, goodsInvoice())
	f.clock.Advance(100 * time.Hour)
	if _, err := f.ctl.Cancel(context.Background(), f.scope, doc.ID, justification); err != nil {
		t.Fatalf("cancel within 168h: %v", err)
	}

	late := f.emit(t, goodsInvoice())
	f.clock.Advance(169 * time.Hour)
	if _, err := f.ctl.Cancel(context.Background(), f.scope, late.ID, justification); !errors.Is(err, models.ErrTimeWindowExpired) {
		t.Fatalf("expected TIME_WINDOW_EXPIRED, got %v", err)
	}
}

func TestCancel_Guards(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	doc := f.emit(t, goodsInvoice())

	if _, err := f.ctl.Cancel(context.Background(), f.scope, doc.ID, "curta"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if _, err := f.ctl.Cancel(context.Background(), models.Scope{TenantId: "tenant-2", IssuerId: "issuer-1"}, doc.ID, justification); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND for another tenant, got %v", err)
	}
	if _, err := f.ctl.Cancel(context.Background(), f.scope, doc.ID, justification); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.ctl.Cancel(context.Background(), f.scope, doc.ID, justification); !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected PRECONDITION on second cancel, got %v", err)
	}
	if f.gw.cancels != 1 {
		t.Fatalf("expected one gateway cancel, got %d", f.gw.cancels)
	}
}

func TestCancel_GatewayFailureLeavesStatus(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	doc := f.emit(t, goodsInvoice())

	f.gw.eventErr = errors.New("connection reset")
	if _, err := f.ctl.Cancel(context.Background(), f.scope, doc.ID, justification); !errors.Is(err, models.ErrGatewayUnavailable) {
		t.Fatalf("expected GATEWAY_UNAVAILABLE, got %v", err)
	}
	f.gw.eventErr = nil
	f.gw.eventReject = true
	if _, err := f.ctl.Cancel(context.Background(), f.scope, doc.ID, justification); !errors.Is(err, models.ErrGatewayRejection) {
		t.Fatalf("expected GATEWAY_REJECTION, got %v", err)
	}

	stored, _ := f.store.GetDocument(context.Background(), "tenant-1", doc.ID)
	if stored.Status != models.DocumentStatusAuthorized {
		t.Fatalf("status must be unchanged, got %s", stored.Status)
	}
	if len(f.sink.Events()) != 1 {
		t.Fatalf("failed events must not publish, got %v", f.eventKinds())
	}
}

func TestCancel_ConcurrentModificationIsConflict(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	doc := f.emit(t, goodsInvoice())

	f.gw.onEvent = func() {
		cur, _ := f.store.GetDocument(context.Background(), "tenant-1", doc.ID)
		cur.Status = models.DocumentStatusCanceled
		_ = f.store.UpdateDocument(context.Background(), cur, models.DocumentStatusAuthorized, cur.Version)
	}
	_, err := f.ctl.Cancel(context.Background(), f.scope, doc.ID, justification)
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	if len(f.sink.Events()) != 1 {
		t.Fatalf("a conflicting commit must not publish, got %v", f.eventKinds())
	}
}

func TestCorrect_SequenceCapsAtTwenty(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	doc := f.emit(t, goodsInvoice())

	for i := 1; i <= 20; i++ {
		ev, err := f.ctl.Correct(context.Background(), f.scope, doc.ID, fmt.Sprintf("Correcao numero %02d do endereco", i))
		if err != nil {
			t.Fatalf("correction %d: %v", i, err)
		}
		if ev.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, ev.Sequence)
		}
	}
	_, err := f.ctl.Correct(context.Background(), f.scope, doc.ID, "Correcao vinte e um do endereco")
	if !errors.Is(err, models.ErrSequenceLimitExceeded) {
		t.Fatalf("expected SEQUENCE_LIMIT_EXCEEDED, got %v", err)
	}
	if f.gw.corrections != 20 {
		t.Fatalf("expected 20 gateway calls, got %d", f.gw.corrections)
	}

	list, err := f.ctl.Corrections(context.Background(), f.scope, doc.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 20 {
		t.Fatalf("expected 20 corrections, got %d", len(list))
	}
	for i, ev := range list {
		if ev.Sequence != i+1 {
			t.Fatalf("corrections out of order: %d at %d", ev.Sequence, i)
		}
	}
	stored, _ := f.store.GetDocument(context.Background(), "tenant-1", doc.ID)
	if stored.Status != models.DocumentStatusAuthorized {
		t.Fatalf("corrections must not change status, got %s", stored.Status)
	}
}

func TestCorrect_Guards(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	nfce := f.emit(t, consumerInvoice())
	if _, err := f.ctl.Correct(context.Background(), f.scope, nfce.ID, "Texto de correcao valido"); !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected PRECONDITION for consumer invoice, got %v", err)
	}
	nfe := f.emit(t, goodsInvoice())
	if _, err := f.ctl.Correct(context.Background(), f.scope, nfe.ID, "curto"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if _, err := f.ctl.Cancel(context.Background(), f.scope, nfe.ID, justification); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.ctl.Correct(context.Background(), f.scope, nfe.ID, "Texto de correcao valido"); !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected PRECONDITION after cancel, got %v", err)
	}
}

func TestClose_Manifest(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	doc := f.emit(t, manifest())
	if doc.AccessKeyValue()[20:22] != "58" {
		t.Fatalf("expected manifest model in key %q", doc.AccessKeyValue())
	}

	if _, err := f.ctl.Close(context.Background(), f.scope, doc.ID, "99"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected VALIDATION for bad jurisdiction, got %v", err)
	}
	closed, err := f.ctl.Close(context.Background(), f.scope, doc.ID, "41")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != models.DocumentStatusClosed || closed.ClosingJurisdiction == nil || *closed.ClosingJurisdiction != "41" || closed.ClosedAt == nil {
		t.Fatalf("unexpected document %+v", closed)
	}
	kinds := f.eventKinds()
	if kinds[len(kinds)-1] != models.EventManifestClosed {
		t.Fatalf("expected mdfe.closed last, got %v", kinds)
	}
	if _, err := f.ctl.Cancel(context.Background(), f.scope, doc.ID, justification); !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected PRECONDITION cancelling a closed manifest, got %v", err)
	}

	nfe := f.emit(t, goodsInvoice())
	if _, err := f.ctl.Close(context.Background(), f.scope, nfe.ID, "41"); !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected PRECONDITION closing a goods invoice, got %v", err)
	}
}

func TestInvalidateRange(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	f.emit(t, consumerInvoice())
	f.emit(t, consumerInvoice())

	req := InvalidateRangeRequest{Series: 1, Start: 1, End: 5, Justification: "Falha no sistema de emissao"}
	if _, err := f.ctl.InvalidateRange(context.Background(), f.scope, req); !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected PRECONDITION for used range, got %v", err)
	}

	req.Start, req.End = 10, 20
	inv, err := f.ctl.InvalidateRange(context.Background(), f.scope, req)
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if inv.Kind != models.DocumentKindConsumerInvoice || inv.StartNumber != 10 || inv.EndNumber != 20 {
		t.Fatalf("unexpected invalidation %+v", inv)
	}
	if len(f.store.RangeInvalidations()) != 1 {
		t.Fatalf("expected one stored invalidation")
	}
	kinds := f.eventKinds()
	if kinds[len(kinds)-1] != models.EventRangeInvalidated {
		t.Fatalf("expected nfce.range_invalidated last, got %v", kinds)
	}

	req.Kind = models.DocumentKindGoodsInvoice
	if _, err := f.ctl.InvalidateRange(context.Background(), f.scope, req); !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected PRECONDITION for goods invoice, got %v", err)
	}
	req.Kind = models.DocumentKindConsumerInvoice
	req.Start, req.End = 30, 29
	if _, err := f.ctl.InvalidateRange(context.Background(), f.scope, req); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected VALIDATION for inverted range, got %v", err)
	}
}

func TestCheckStatus(t *testing.T) {
	f := newFixture(t, models.EnvironmentProduction)
	status, err := f.ctl.CheckStatus(context.Background(), f.scope, models.DocumentKindGoodsInvoice)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != gateway.ServiceStateUp || status.Jurisdiction != "35" {
		t.Fatalf("unexpected status %+v", status)
	}
	f.gw.eventErr = errors.New("timeout")
	if _, err := f.ctl.CheckStatus(context.Background(), f.scope, models.DocumentKindGoodsInvoice); !errors.Is(err, models.ErrGatewayUnavailable) {
		t.Fatalf("expected GATEWAY_UNAVAILABLE, got %v", err)
	}
}

func TestController_SimulatedGatewayEndToEnd(t *testing.T) {
	f := newFixture(t, models.EnvironmentHomologation)
	f.ctl.Gateway = gateway.NewSimulated(time.Millisecond, quietLogger())

	nfce := f.emit(t, consumerInvoice())
	if nfce.QrCodeUrl == nil {
		t.Fatalf("expected qr code url for consumer invoice")
	}
	if _, err := f.ctl.Cancel(context.Background(), f.scope, nfce.ID, justification); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	nfe := f.emit(t, goodsInvoice())
	if _, err := f.ctl.Correct(context.Background(), f.scope, nfe.ID, "Correcao do endereco de entrega"); err != nil {
		t.Fatalf("correct: %v", err)
	}
}

// A caller that disconnects while the authority is deciding must not leave
// the document in CREATED.
func TestEmit_CallerCanceledDuringSubmission(t *testing.T) {
	cases := []struct {
		name       string
		gatewayErr bool
		wantStatus models.DocumentStatus
		wantEvent  models.EventKind
		wantErr    error
	}{
		{"authority authorized", false, models.DocumentStatusAuthorized, models.EventInvoiceAuthorized, nil},
		{"gateway aborted", true, models.DocumentStatusError, models.EventInvoiceFailed, models.ErrGatewayUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, models.EnvironmentHomologation)
			f.ctl.Store = ctxStore{f.store}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			f.gw.onSubmit = cancel
			if tc.gatewayErr {
				f.gw.submitErr = context.Canceled
			}

			doc, err := f.ctl.Emit(ctx, f.scope, goodsInvoice())
			if tc.wantErr == nil && err != nil {
				t.Fatalf("emit: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if doc == nil {
				t.Fatalf("expected the persisted document")
			}
			stored, gerr := f.store.GetDocument(context.Background(), "tenant-1", doc.ID)
			if gerr != nil {
				t.Fatalf("get: %v", gerr)
			}
			if stored.Status != tc.wantStatus {
				t.Fatalf("stored status = %s, want %s", stored.Status, tc.wantStatus)
			}
			if tc.wantStatus == models.DocumentStatusAuthorized && len(stored.AccessKeyValue()) != 44 {
				t.Fatalf("authorized document must keep its access key, got %q", stored.AccessKeyValue())
			}
			kinds := f.eventKinds()
			if len(kinds) != 1 || kinds[0] != tc.wantEvent {
				t.Fatalf("events = %v, want [%s]", kinds, tc.wantEvent)
			}
		})
	}
}

func TestTransitions_CallerCanceledDuringGatewayCall(t *testing.T) {
	f := newFixture(t, models.EnvironmentHomologation)
	f.ctl.Store = ctxStore{f.store}
	toCancel := f.emit(t, goodsInvoice())
	toCorrect := f.emit(t, goodsInvoice())

	ctx, cancel := context.WithCancel(context.Background())
	f.gw.onEvent = cancel
	doc, err := f.ctl.Cancel(ctx, f.scope, toCancel.ID, justification)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if doc.Status != models.DocumentStatusCanceled {
		t.Fatalf("status = %s", doc.Status)
	}

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	f.gw.onEvent = cancel
	ev, err := f.ctl.Correct(ctx, f.scope, toCorrect.ID, justification)
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if ev.Sequence != 1 {
		t.Fatalf("sequence = %d", ev.Sequence)
	}

	kinds := f.eventKinds()
	if len(kinds) != 4 || kinds[2] != models.EventInvoiceCanceled || kinds[3] != models.EventInvoiceCorrected {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestEmit_UnbuildableAccessKeyIsNotAGatewayFailure(t *testing.T) {
	f := newFixture(t, models.EnvironmentHomologation)
	f.ctl.Disambiguator = func() int { return -1 }

	doc, err := f.ctl.Emit(context.Background(), f.scope, goodsInvoice())
	if !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected PRECONDITION, got %v", err)
	}
	if models.IsRetryable(err) {
		t.Fatalf("a key that cannot be built is not retryable")
	}
	if doc == nil || doc.Status != models.DocumentStatusError {
		t.Fatalf("document must end in ERROR, got %+v", doc)
	}
	if len(f.gw.submissions) != 0 {
		t.Fatalf("gateway must not be called")
	}
}
