package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	referencerepository "github.com/smallbiznis/bookline/internal/reference/repository"
	referenceservice "github.com/smallbiznis/bookline/internal/reference/service"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	"github.com/smallbiznis/bookline/internal/refsync/repository"
	"github.com/smallbiznis/bookline/internal/refsync/transport"
	"github.com/smallbiznis/bookline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const hookURL = "https://subscriber.example.test/hook"

type fakePush struct {
	mu    sync.Mutex
	calls []referencedomain.ChangeMessage
	fail  func(msg referencedomain.ChangeMessage) error
}

func (f *fakePush) Mode() refsyncdomain.Mode { return refsyncdomain.ModePush }

func (f *fakePush) Deliver(_ context.Context, _ refsyncdomain.Subscriber, msg referencedomain.ChangeMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if f.fail != nil {
		return f.fail(msg)
	}
	return nil
}

type harness struct {
	svc  *Service
	refs referencedomain.Service
	push *fakePush
	clk  *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))

	refs := referenceservice.NewService(referenceservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  referencerepository.Provide(),
	})
	push := &fakePush{}

	svc := newService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Clock: clk,
		Config: config.Config{Sync: config.SyncConfig{
			MaxAttempts: 2,
			BackoffBase: time.Second,
			BackoffCap:  4 * time.Second,
		}},
		Rules:      config.NewStaticRules(config.DefaultRules()),
		Repo:       repository.Provide(),
		Transports: transport.NewRegistry(transport.NewLocal(refs), push),
		Notifier:   NewNotifier(),
	})
	return &harness{svc: svc, refs: refs, push: push, clk: clk}
}

func bookEmit(uuid string, version int64, title string) refsyncdomain.EmitRequest {
	payload, _ := json.Marshal(map[string]string{"title": title})
	return refsyncdomain.EmitRequest{
		EntityUUID:    uuid,
		EntityType:    "book",
		Operation:     "update",
		Payload:       payload,
		SourceVersion: version,
	}
}

func (h *harness) subscribe(t *testing.T, name, mode, endpoint string) refsyncdomain.Subscriber {
	t.Helper()
	sub, err := h.svc.Subscribe(context.Background(), refsyncdomain.SubscribeRequest{
		Name:        name,
		Mode:        mode,
		Endpoint:    endpoint,
		EntityTypes: []string{"book"},
	})
	require.NoError(t, err)
	return sub
}

func TestEmitQueuesDeliveriesForSubscribers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "billing", "local", "")
	h.subscribe(t, "storefront", "push", hookURL)

	result, err := h.svc.Emit(ctx, bookEmit("book-1", 1, "Dune"))
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 2, result.Deliveries)

	heads, err := h.svc.LookupHeads(ctx, "book", []string{"book-1"})
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, int64(1), heads[0].SourceVersion)
	assert.Equal(t, result.Event.EventID, heads[0].LastEventID)

	backlog, err := h.svc.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), backlog.Pending)
}

func TestEmitRejectsStaleAndReplaysIdentical(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Emit(ctx, bookEmit("book-1", 2, "Dune"))
	require.NoError(t, err)

	replay, err := h.svc.Emit(ctx, bookEmit("book-1", 2, "Dune"))
	require.NoError(t, err)
	assert.False(t, replay.Created)
	assert.Equal(t, first.Event.EventID, replay.Event.EventID)

	_, err = h.svc.Emit(ctx, bookEmit("book-1", 2, "Dune Messiah"))
	require.ErrorIs(t, err, refsyncdomain.ErrStaleVersion)

	_, err = h.svc.Emit(ctx, bookEmit("book-1", 1, "Dune"))
	var stale *refsyncdomain.StaleVersionError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(2), stale.CurrentVersion)
}

func TestEmitValidatesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := bookEmit("book-1", 0, "Dune")
	_, err := h.svc.Emit(ctx, req)
	assert.ErrorIs(t, err, referencedomain.ErrInvalidVersion)

	req = bookEmit("book-1", 1, "Dune")
	req.EntityType = "magazine"
	_, err = h.svc.Emit(ctx, req)
	assert.ErrorIs(t, err, referencedomain.ErrInvalidEntityType)

	req = bookEmit("", 1, "Dune")
	_, err = h.svc.Emit(ctx, req)
	assert.ErrorIs(t, err, referencedomain.ErrInvalidEntityUUID)
}

func TestDeliverDueAppliesToLocalStoreAndAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "billing", "local", "")

	emitted, err := h.svc.Emit(ctx, bookEmit("book-1", 1, "Dune"))
	require.NoError(t, err)

	stats, err := h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Delivered)

	ref, err := h.refs.Get(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ref.SourceVersion)

	cursors, err := h.svc.ListCursors(ctx, "billing")
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, "catalog", cursors[0].Source)
	assert.Equal(t, emitted.Event.EventID, cursors[0].LastAcknowledgedEventID)

	stats, err = h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
}

func TestDeliveredNewerVersionSupersedesRetryingOlder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "storefront", "push", hookURL)

	h.push.fail = func(msg referencedomain.ChangeMessage) error {
		if msg.SourceVersion == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	_, err := h.svc.Emit(ctx, bookEmit("book-1", 1, "Dune"))
	require.NoError(t, err)
	stats, err := h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	_, err = h.svc.Emit(ctx, bookEmit("book-1", 2, "Dune, revised"))
	require.NoError(t, err)
	stats, err = h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)

	h.clk.Advance(time.Minute)
	stats, err = h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed, "superseded version must not be redelivered")

	backlog, err := h.svc.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, backlog.Pending)
	assert.Zero(t, backlog.Parked)
}

func TestFailingDeliveryRetriesThenParks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "storefront", "push", hookURL)
	h.push.fail = func(referencedomain.ChangeMessage) error { return errors.New("503") }

	_, err := h.svc.Emit(ctx, bookEmit("book-1", 1, "Dune"))
	require.NoError(t, err)

	stats, err := h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	stats, err = h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed, "retry is not due yet")

	h.clk.Advance(10 * time.Second)
	stats, err = h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parked)

	parked, err := h.svc.ListParked(ctx, "storefront", "book", 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, 2, parked[0].AttemptCount)
	require.NotNil(t, parked[0].LastError)

	resolved, err := h.svc.ResolveParked(ctx, "storefront", "book-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resolved)

	parked, err = h.svc.ListParked(ctx, "storefront", "", 10)
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestPermanentFailureParksImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "storefront", "push", hookURL)
	h.push.fail = func(referencedomain.ChangeMessage) error {
		return &refsyncdomain.DeliveryFailure{Subscriber: "storefront", Mode: refsyncdomain.ModePush, Permanent: true, Err: errors.New("400")}
	}

	_, err := h.svc.Emit(ctx, bookEmit("book-1", 1, "Dune"))
	require.NoError(t, err)

	stats, err := h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parked)
}

func TestUnsubscribeCancelsPendingDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "storefront", "push", hookURL)

	_, err := h.svc.Emit(ctx, bookEmit("book-1", 1, "Dune"))
	require.NoError(t, err)

	sub, err := h.svc.Unsubscribe(ctx, "storefront", []string{"book"})
	require.NoError(t, err)
	assert.Equal(t, refsyncdomain.SubscriberStatusUnsubscribed, sub.Status)

	stats, err := h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
	assert.Empty(t, h.push.calls)

	result, err := h.svc.Emit(ctx, bookEmit("book-1", 2, "Dune"))
	require.NoError(t, err)
	assert.Zero(t, result.Deliveries)
}

func TestSubscribeBackfillQueuesCurrentHeads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Emit(ctx, bookEmit("book-1", 1, "Dune"))
	require.NoError(t, err)
	_, err = h.svc.Emit(ctx, bookEmit("book-1", 2, "Dune"))
	require.NoError(t, err)
	_, err = h.svc.Emit(ctx, bookEmit("book-2", 1, "Emma"))
	require.NoError(t, err)

	_, err = h.svc.Subscribe(ctx, refsyncdomain.SubscribeRequest{
		Name:        "billing",
		Mode:        "local",
		EntityTypes: []string{"book"},
		Backfill:    true,
	})
	require.NoError(t, err)

	stats, err := h.svc.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Delivered)

	ref, err := h.refs.Get(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ref.SourceVersion)
}

func TestSubscribeValidatesEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Subscribe(ctx, refsyncdomain.SubscribeRequest{Name: "a", Mode: "push", Endpoint: "ftp://x", EntityTypes: []string{"book"}})
	assert.ErrorIs(t, err, refsyncdomain.ErrInvalidEndpoint)

	_, err = h.svc.Subscribe(ctx, refsyncdomain.SubscribeRequest{Name: "a", Mode: "sns", Endpoint: "topic", EntityTypes: []string{"book"}})
	assert.ErrorIs(t, err, refsyncdomain.ErrInvalidEndpoint)

	_, err = h.svc.Subscribe(ctx, refsyncdomain.SubscribeRequest{Name: "a", Mode: "carrier-pigeon", EntityTypes: []string{"book"}})
	assert.ErrorIs(t, err, refsyncdomain.ErrInvalidMode)

	_, err = h.svc.Subscribe(ctx, refsyncdomain.SubscribeRequest{Name: "a", Mode: "poll"})
	assert.ErrorIs(t, err, referencedomain.ErrInvalidEntityType)
}

func TestPollAckNack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "warehouse", "poll", "")
	h.subscribe(t, "storefront", "push", hookURL)

	_, err := h.svc.Emit(ctx, bookEmit("book-1", 1, "Dune"))
	require.NoError(t, err)
	_, err = h.svc.Emit(ctx, bookEmit("book-2", 1, "Emma"))
	require.NoError(t, err)

	_, err = h.svc.Poll(ctx, "storefront", 10)
	assert.ErrorIs(t, err, refsyncdomain.ErrSubscriberNotPolling)

	polled, err := h.svc.Poll(ctx, "warehouse", 10)
	require.NoError(t, err)
	require.Len(t, polled, 2)
	assert.Equal(t, 1, polled[0].Attempt)

	again, err := h.svc.Poll(ctx, "warehouse", 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased deliveries are not handed out twice")

	acked, err := h.svc.Ack(ctx, "warehouse", []snowflake.ID{polled[0].DeliveryID})
	require.NoError(t, err)
	assert.Equal(t, 1, acked)

	nacked, err := h.svc.Nack(ctx, "warehouse", []snowflake.ID{polled[1].DeliveryID}, "disk full")
	require.NoError(t, err)
	assert.Equal(t, 1, nacked)

	cursors, err := h.svc.ListCursors(ctx, "warehouse")
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, polled[0].Event.EventID, cursors[0].LastAcknowledgedEventID)

	h.clk.Advance(5 * time.Second)
	retried, err := h.svc.Poll(ctx, "warehouse", 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, polled[1].DeliveryID, retried[0].DeliveryID)
	assert.Equal(t, 2, retried[0].Attempt)
}

func TestRetryPolicyDelayGrowsToCap(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, Base: 2 * time.Second, Cap: 10 * time.Second}

	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 4*time.Second, policy.Delay(2))
	assert.Equal(t, 8*time.Second, policy.Delay(3))
	assert.Equal(t, 10*time.Second, policy.Delay(4))
	assert.Equal(t, 10*time.Second, policy.Delay(9))

	assert.False(t, policy.Exhausted(4))
	assert.True(t, policy.Exhausted(5))
}

func TestRetryPolicyDefaults(t *testing.T) {
	policy := RetryPolicyFromConfig(config.SyncConfig{})
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 2*time.Second, policy.Base)
	assert.Equal(t, 60*time.Second, policy.Cap)
}
