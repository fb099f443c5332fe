package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"lifecycle_backend/internal/events"
	"lifecycle_backend/internal/ledger"
	"lifecycle_backend/internal/lifecycle/domain"
	"lifecycle_backend/internal/lifecycle/service"
	"lifecycle_backend/platform/apperr"
	"lifecycle_backend/platform/logger"
	"lifecycle_backend/platform/metrics"

	"github.com/google/uuid"
)

const (
	paymentsSecret = "whsec_payments"
	emailSecret    = "whsec_email"
	testActor      = "user:tester"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type webhookConfig struct{}

func (webhookConfig) GetWebhookSecrets(provider string) []string {
	switch provider {
	case ProviderPayments:
		return []string{paymentsSecret}
	case ProviderEmail:
		return []string{emailSecret}
	}
	return nil
}

func (webhookConfig) GetWebhookTolerance() time.Duration { return 5 * time.Minute }

type recordingBus struct {
	mu        sync.Mutex
	published []events.Event
}

func (b *recordingBus) Publish(_ context.Context, e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, e)
}

func (b *recordingBus) PublishSync(ctx context.Context, e events.Event) error {
	b.Publish(ctx, e)
	return nil
}

func (b *recordingBus) Subscribe(string, events.Handler) {}

func (b *recordingBus) countNamed(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.published {
		if e.EventName() == name {
			n++
		}
	}
	return n
}

type memoryArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (a *memoryArchive) Archive(_ context.Context, provider, externalID string, receivedAt time.Time, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[ArchiveKey(provider, externalID, receivedAt)] = body
	return nil
}

func (a *memoryArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.objects)
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]CachedOutcome
}

func (c *mapCache) Get(_ context.Context, provider, externalID string) (CachedOutcome, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.entries[provider+"/"+externalID]
	return out, ok, nil
}

func (c *mapCache) Set(_ context.Context, provider, externalID string, out CachedOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string]CachedOutcome{}
	}
	c.entries[provider+"/"+externalID] = out
	return nil
}

// countingStore counts units of work so tests can tell whether the database
// was consulted.
type countingStore struct {
	ledger.Store
	mu    sync.Mutex
	calls int
}

func (s *countingStore) RunInTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.Store.RunInTx(ctx, fn)
}

type failingStore struct{}

func (failingStore) RunInTx(context.Context, func(ledger.Tx) error) error {
	return errors.New("connection refused")
}

type fixture struct {
	reconciler *Reconciler
	lifecycle  *service.Service
	store      *ledger.MemoryStore
	bus        *recordingBus
	archive    *memoryArchive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	bus := &recordingBus{}
	log := logger.NewWithWriter("test", io.Discard)
	svc := service.New(store, domain.DefaultTable(), bus, log)
	archive := &memoryArchive{}

	r := New(store, svc, webhookConfig{}, bus, log)
	r.SetClock(func() time.Time { return testNow })
	r.SetArchiver(archive)
	return &fixture{reconciler: r, lifecycle: svc, store: store, bus: bus, archive: archive}
}

func (f *fixture) deliver(t *testing.T, provider string, payload map[string]any) (Result, error) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return f.deliverRaw(provider, body)
}

func (f *fixture) deliverRaw(provider string, body []byte) (Result, error) {
	secret := paymentsSecret
	if provider == ProviderEmail {
		secret = emailSecret
	}
	return f.reconciler.Reconcile(context.Background(), provider, body, SignPayload(secret, testNow, body))
}

func (f *fixture) create(t *testing.T, kind domain.Kind, ref string, path ...domain.Status) domain.Entity {
	t.Helper()
	ctx := context.Background()
	params := service.CreateParams{Kind: kind, Actor: testActor}
	if ref != "" {
		params.ExternalRef = &ref
	}
	e, err := f.lifecycle.CreateEntity(ctx, params)
	if err != nil {
		t.Fatalf("create %s: %v", kind, err)
	}
	for _, to := range path {
		e, err = f.lifecycle.ApplyTransition(ctx, service.TransitionRequest{
			EntityID: e.ID, Kind: kind, To: to, Actor: testActor, ExpectedVersion: e.Version,
		})
		if err != nil {
			t.Fatalf("walk %s to %s: %v", kind, to, err)
		}
	}
	return e
}

func (f *fixture) get(t *testing.T, e domain.Entity) domain.Entity {
	t.Helper()
	got, err := f.lifecycle.GetEntity(context.Background(), e.Kind, e.ID)
	if err != nil {
		t.Fatalf("get %s: %v", e.Kind, err)
	}
	return got
}

func (f *fixture) activityOf(t *testing.T, e domain.Entity, eventType string) []domain.ActivityEvent {
	t.Helper()
	all, err := f.lifecycle.ListActivity(context.Background(), e.Kind, e.ID)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	var out []domain.ActivityEvent
	for _, ev := range all {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func payload(id, eventType string, data map[string]any) map[string]any {
	return map[string]any{"id": id, "type": eventType, "created": testNow.Unix(), "data": data}
}

func payloadField(t *testing.T, e domain.Entity, key string) any {
	t.Helper()
	var fields map[string]any
	if err := json.Unmarshal(e.Payload, &fields); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return fields[key]
}

func TestPaymentSucceededRedeliveryMarksInvoicePaidOnce(t *testing.T) {
	f := newFixture(t)
	invoice := f.create(t, domain.KindInvoice, "in_100", "SENT")

	evt := payload("evt_123", TypePaymentSucceeded, map[string]any{"id": "in_100", "amount_paid": 200000, "currency": "usd"})

	first, err := f.deliver(t, ProviderPayments, evt)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Status != ledger.StatusApplied || first.Duplicate {
		t.Fatalf("expected first delivery applied, got %+v", first)
	}

	second, err := f.deliver(t, ProviderPayments, evt)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !second.Duplicate || second.Status != ledger.StatusApplied {
		t.Fatalf("expected duplicate acknowledgement, got %+v", second)
	}

	got := f.get(t, invoice)
	if got.Status != domain.StatusPaid || got.Version != invoice.Version+1 {
		t.Fatalf("expected PAID at version %d, got %s v%d", invoice.Version+1, got.Status, got.Version)
	}
	if n := len(f.activityOf(t, invoice, domain.EventStatusChanged)); n != 2 {
		t.Fatalf("expected SENT and PAID transitions only, got %d", n)
	}
	if paidAt := payloadField(t, got, "paidAt"); paidAt != testNow.Format(time.RFC3339) {
		t.Fatalf("expected paidAt %s, got %v", testNow.Format(time.RFC3339), paidAt)
	}
	if amount := payloadField(t, got, "amountPaidCents"); amount != float64(200000) {
		t.Fatalf("expected amountPaidCents 200000, got %v", amount)
	}

	f.reconciler.Wait()
	if f.archive.count() != 1 {
		t.Fatalf("expected one archived payload, got %d", f.archive.count())
	}
	if n := f.bus.countNamed(events.ExternalEventApplied{}.EventName()); n != 1 {
		t.Fatalf("expected one applied event, got %d", n)
	}
}

func TestConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t)
	invoice := f.create(t, domain.KindInvoice, "in_200", "SENT")
	body, _ := json.Marshal(payload("evt_200", TypePaymentSucceeded, map[string]any{"id": "in_200", "amount_paid": 5000}))

	const deliveries = 12
	results := make([]Result, deliveries)
	errs := make([]error, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.deliverRaw(ProviderPayments, body)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("delivery %d failed: %v", i, errs[i])
		}
		if results[i].Status != ledger.StatusApplied {
			t.Fatalf("delivery %d: expected APPLIED, got %s", i, results[i].Status)
		}
		if !results[i].Duplicate {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one delivery to apply the effect, got %d", fresh)
	}

	paid := 0
	for _, ev := range f.activityOf(t, invoice, domain.EventStatusChanged) {
		if ev.ToStatus != nil && *ev.ToStatus == domain.StatusPaid {
			paid++
		}
	}
	if paid != 1 {
		t.Fatalf("expected one PAID activity, got %d", paid)
	}
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	f := newFixture(t)

	res, err := f.deliver(t, ProviderPayments, payload("evt_300", "charge.dispute.created", map[string]any{"id": "dp_1"}))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Status != ledger.StatusIgnored || res.Reason == "" {
		t.Fatalf("expected IGNORED with reason, got %+v", res)
	}

	stored, err := f.reconciler.GetExternalEvent(context.Background(), ProviderPayments, "evt_300")
	if err != nil {
		t.Fatalf("get stored event: %v", err)
	}
	if stored.Status != ledger.StatusIgnored || stored.ProcessedAt == nil {
		t.Fatalf("expected processed IGNORED row, got %+v", stored)
	}
}

func TestRejectedEffectIsRecordedAsFailedAndAcknowledged(t *testing.T) {
	f := newFixture(t)
	invoice := f.create(t, domain.KindInvoice, "") // still DRAFT

	evt := payload("evt_400", TypePaymentSucceeded, map[string]any{
		"amount_paid": 1000,
		"metadata":    map[string]any{"entity_id": invoice.ID.String()},
	})
	res, err := f.deliver(t, ProviderPayments, evt)
	if err != nil {
		t.Fatalf("rejections must be acknowledged, got %v", err)
	}
	if res.Status != ledger.StatusFailed || !strings.Contains(res.Reason, "ILLEGAL_TRANSITION") {
		t.Fatalf("expected FAILED with illegal transition reason, got %+v", res)
	}
	if res.EntityID == nil || *res.EntityID != invoice.ID {
		t.Fatalf("expected failed result to name the invoice, got %v", res.EntityID)
	}

	got := f.get(t, invoice)
	if got.Status != "DRAFT" || got.Version != invoice.Version {
		t.Fatalf("expected invoice untouched, got %s v%d", got.Status, got.Version)
	}
	if payloadField(t, got, "paidAt") != nil {
		t.Fatalf("expected no payload merge after rollback")
	}

	again, err := f.deliver(t, ProviderPayments, evt)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !again.Duplicate || again.Status != ledger.StatusFailed {
		t.Fatalf("expected cached FAILED on redelivery, got %+v", again)
	}
	if n := f.bus.countNamed(events.ExternalEventFailed{}.EventName()); n != 1 {
		t.Fatalf("expected one failed event, got %d", n)
	}
}

func TestEventForMissingEntityFails(t *testing.T) {
	f := newFixture(t)

	res, err := f.deliver(t, ProviderPayments, payload("evt_500", TypePaymentFailed, map[string]any{
		"metadata": map[string]any{"entity_id": uuid.NewString()},
	}))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Status != ledger.StatusFailed || !strings.HasPrefix(res.Reason, "NOT_FOUND") {
		t.Fatalf("expected FAILED not found, got %+v", res)
	}
}

func TestInvalidSignatureIsRejectedBeforePersistence(t *testing.T) {
	f := newFixture(t)
	body, _ := json.Marshal(payload("evt_600", TypePaymentSucceeded, map[string]any{"id": "in_1"}))
	before := metrics.SignatureFailureCount(ProviderPayments)

	headers := []string{
		"",
		SignPayload("whsec_wrong", testNow, body),
		SignPayload(paymentsSecret, testNow.Add(-10*time.Minute), body),
	}
	for _, h := range headers {
		_, err := f.reconciler.Reconcile(context.Background(), ProviderPayments, body, h)
		if !apperr.Is(err, apperr.KindInvalidSignature) {
			t.Fatalf("expected InvalidSignature for %q, got %v", h, err)
		}
	}

	if _, err := f.reconciler.GetExternalEvent(context.Background(), ProviderPayments, "evt_600"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected nothing stored, got %v", err)
	}
	if got := metrics.SignatureFailureCount(ProviderPayments) - before; got != 3 {
		t.Fatalf("expected 3 signature failures counted, got %v", got)
	}
}

func TestMalformedPayloadIsBadRequest(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{`{"type":`, `{"type":"invoice.payment_succeeded"}`} {
		_, err := f.deliverRaw(ProviderPayments, []byte(body))
		if !apperr.Is(err, apperr.KindBadRequest) {
			t.Fatalf("expected BadRequest for %s, got %v", body, err)
		}
	}
}

func TestUnusableEventDataIsRecordedAsFailedAndAcknowledged(t *testing.T) {
	cases := map[string]string{
		"bad entity id":              `{"id":"evt_p1","type":"invoice.payment_failed","data":{"metadata":{"entity_id":"not-a-uuid"}}}`,
		"subscription without state": `{"id":"evt_p2","type":"customer.subscription.updated","data":{"id":"sub_1"}}`,
		"fractional amount":          `{"id":"evt_p3","type":"invoice.payment_succeeded","data":{"id":"in_1","amount_paid":10.5}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			var externalID string
			for i := 0; i < 3; i++ {
				res, err := f.deliverRaw(ProviderPayments, []byte(body))
				if err != nil {
					t.Fatalf("delivery %d must be acknowledged, got %v", i+1, err)
				}
				if res.Status != ledger.StatusFailed || !strings.HasPrefix(res.Reason, codeInvalidPayload) {
					t.Fatalf("delivery %d: expected FAILED invalid payload, got %+v", i+1, res)
				}
				if res.Duplicate != (i > 0) {
					t.Fatalf("delivery %d: unexpected duplicate flag %v", i+1, res.Duplicate)
				}
				externalID = res.ExternalID
			}
			f.reconciler.Wait()

			stored, err := f.reconciler.GetExternalEvent(context.Background(), ProviderPayments, externalID)
			if err != nil {
				t.Fatalf("expected delivery recorded: %v", err)
			}
			if stored.Status != ledger.StatusFailed || stored.ProcessedAt == nil {
				t.Fatalf("expected processed FAILED row, got %+v", stored)
			}
			if n := f.bus.countNamed(events.ExternalEventFailed{}.EventName()); n != 1 {
				t.Fatalf("expected one failed event, got %d", n)
			}
			if f.archive.count() != 1 {
				t.Fatalf("expected payload archived once, got %d", f.archive.count())
			}
		})
	}
}

func TestSubscriptionSync(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t, domain.KindSubscription, "sub_1")

	res, err := f.deliver(t, ProviderPayments, payload("evt_700", TypeSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "trialing"}))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Status != ledger.StatusIgnored || res.Reason != reasonAlreadyInSync {
		t.Fatalf("expected already in sync, got %+v", res)
	}

	res, err = f.deliver(t, ProviderPayments, payload("evt_701", TypeSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "past_due"}))
	if err != nil || res.Status != ledger.StatusApplied {
		t.Fatalf("expected past_due applied, got %+v %v", res, err)
	}
	if got := f.get(t, sub); got.Status != "PAST_DUE" {
		t.Fatalf("expected PAST_DUE, got %s", got.Status)
	}

	res, err = f.deliver(t, ProviderPayments, payload("evt_702", TypeSubscriptionCancelled, map[string]any{"id": "sub_1"}))
	if err != nil || res.Status != ledger.StatusApplied {
		t.Fatalf("expected cancellation applied, got %+v %v", res, err)
	}
	if got := f.get(t, sub); got.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}

	res, err = f.deliver(t, ProviderPayments, payload("evt_703", TypeSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "incomplete_expired"}))
	if err != nil || res.Status != ledger.StatusFailed {
		t.Fatalf("expected unmapped status to fail, got %+v %v", res, err)
	}
}

func TestPaymentFailedRecordsError(t *testing.T) {
	f := newFixture(t)
	invoice := f.create(t, domain.KindInvoice, "in_800", "SENT")

	res, err := f.deliver(t, ProviderPayments, payload("evt_800", TypePaymentFailed, map[string]any{"id": "in_800", "failure_message": "card declined"}))
	if err != nil || res.Status != ledger.StatusApplied {
		t.Fatalf("expected applied, got %+v %v", res, err)
	}
	got := f.get(t, invoice)
	if got.Status != domain.StatusPaymentFailed {
		t.Fatalf("expected PAYMENT_FAILED, got %s", got.Status)
	}
	if payloadField(t, got, "lastPaymentError") != "card declined" {
		t.Fatalf("expected lastPaymentError recorded")
	}
}

func TestEmailOpenedAdvancesContactedProspect(t *testing.T) {
	f := newFixture(t)
	prospect := f.create(t, domain.KindProspect, "p_1", domain.StatusContacted)

	res, err := f.deliver(t, ProviderEmail, payload("evt_900", TypeEmailOpened, map[string]any{"id": "p_1", "recipient": "a@example.com"}))
	if err != nil || res.Status != ledger.StatusApplied {
		t.Fatalf("expected applied, got %+v %v", res, err)
	}
	got := f.get(t, prospect)
	if got.Status != domain.StatusEngaged {
		t.Fatalf("expected ENGAGED, got %s", got.Status)
	}
	if payloadField(t, got, "lastOpenedAt") == nil {
		t.Fatalf("expected lastOpenedAt recorded")
	}

	// A second open records activity only.
	res, err = f.deliver(t, ProviderEmail, payload("evt_901", TypeEmailOpened, map[string]any{"id": "p_1"}))
	if err != nil || res.Status != ledger.StatusApplied {
		t.Fatalf("expected applied, got %+v %v", res, err)
	}
	if again := f.get(t, prospect); again.Status != domain.StatusEngaged || again.Version != got.Version {
		t.Fatalf("expected status and version unchanged, got %s v%d", again.Status, again.Version)
	}
	if n := len(f.activityOf(t, prospect, domain.EventEmailOpened)); n != 2 {
		t.Fatalf("expected two open activities, got %d", n)
	}
}

func TestEmailDeliveredAndRepliedOnNewProspect(t *testing.T) {
	f := newFixture(t)
	prospect := f.create(t, domain.KindProspect, "p_2")

	if res, err := f.deliver(t, ProviderEmail, payload("evt_950", TypeEmailDelivered, map[string]any{"id": "p_2"})); err != nil || res.Status != ledger.StatusApplied {
		t.Fatalf("expected delivered applied, got %+v %v", res, err)
	}
	// NEW cannot move to REPLIED, so the reply is recorded without a transition.
	if res, err := f.deliver(t, ProviderEmail, payload("evt_951", TypeEmailReplied, map[string]any{"id": "p_2"})); err != nil || res.Status != ledger.StatusApplied {
		t.Fatalf("expected replied applied, got %+v %v", res, err)
	}

	got := f.get(t, prospect)
	if got.Status != "NEW" || got.Version != prospect.Version {
		t.Fatalf("expected NEW unchanged, got %s v%d", got.Status, got.Version)
	}
	if payloadField(t, got, "lastDeliveredAt") == nil || payloadField(t, got, "lastRepliedAt") == nil {
		t.Fatalf("expected delivery timestamps recorded")
	}
}

func TestEmailBouncedRequiresLegalTransition(t *testing.T) {
	f := newFixture(t)
	fresh := f.create(t, domain.KindProspect, "p_3")
	contacted := f.create(t, domain.KindProspect, "p_4", domain.StatusContacted)

	res, err := f.deliver(t, ProviderEmail, payload("evt_960", TypeEmailBounced, map[string]any{"id": "p_3", "reason": "mailbox full"}))
	if err != nil || res.Status != ledger.StatusFailed {
		t.Fatalf("expected NEW prospect bounce to fail, got %+v %v", res, err)
	}
	if got := f.get(t, fresh); got.Status != "NEW" {
		t.Fatalf("expected NEW unchanged, got %s", got.Status)
	}

	res, err = f.deliver(t, ProviderEmail, payload("evt_961", TypeEmailBounced, map[string]any{"id": "p_4", "reason": "mailbox full"}))
	if err != nil || res.Status != ledger.StatusApplied {
		t.Fatalf("expected bounce applied, got %+v %v", res, err)
	}
	got := f.get(t, contacted)
	if got.Status != domain.StatusBounced || payloadField(t, got, "bounceReason") != "mailbox full" {
		t.Fatalf("expected BOUNCED with reason, got %s", got.Status)
	}
}

func TestStatusCacheShortCircuitsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.create(t, domain.KindInvoice, "in_990", "SENT")

	counting := &countingStore{Store: f.store}
	r := New(counting, f.lifecycle, webhookConfig{}, f.bus, logger.NewWithWriter("test", io.Discard))
	r.SetClock(func() time.Time { return testNow })
	cache := &mapCache{}
	r.SetStatusCache(cache)

	body, _ := json.Marshal(payload("evt_990", TypePaymentSucceeded, map[string]any{"id": "in_990"}))
	sig := SignPayload(paymentsSecret, testNow, body)

	if _, err := r.Reconcile(context.Background(), ProviderPayments, body, sig); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	calls := counting.calls

	res, err := r.Reconcile(context.Background(), ProviderPayments, body, sig)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !res.Duplicate || res.Status != ledger.StatusApplied || res.EntityID == nil {
		t.Fatalf("expected cached duplicate, got %+v", res)
	}
	if counting.calls != calls {
		t.Fatalf("expected cache hit to skip the database")
	}
	r.Wait()
}

func TestStoreFailureIsNotAcknowledged(t *testing.T) {
	log := logger.NewWithWriter("test", io.Discard)
	svc := service.New(failingStore{}, domain.DefaultTable(), nil, log)
	r := New(failingStore{}, svc, webhookConfig{}, nil, log)
	r.SetClock(func() time.Time { return testNow })

	body, _ := json.Marshal(payload("evt_999", TypePaymentSucceeded, map[string]any{"id": "in_1"}))
	_, err := r.Reconcile(context.Background(), ProviderPayments, body, SignPayload(paymentsSecret, testNow, body))
	if err == nil {
		t.Fatalf("expected store failure to surface")
	}
	if _, ok := apperr.As(err); ok {
		t.Fatalf("expected an untyped error so the handler answers 5xx, got %v", err)
	}
}
