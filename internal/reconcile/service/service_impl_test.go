package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	"github.com/smallbiznis/bookline/internal/reconcile/repository"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	referencerepository "github.com/smallbiznis/bookline/internal/reference/repository"
	referenceservice "github.com/smallbiznis/bookline/internal/reference/service"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	refsyncrepository "github.com/smallbiznis/bookline/internal/refsync/repository"
	refsyncservice "github.com/smallbiznis/bookline/internal/refsync/service"
	"github.com/smallbiznis/bookline/internal/refsync/transport"
	"github.com/smallbiznis/bookline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type rejectingPush struct{}

func (rejectingPush) Mode() refsyncdomain.Mode { return refsyncdomain.ModePush }

func (rejectingPush) Deliver(context.Context, refsyncdomain.Subscriber, referencedomain.ChangeMessage) error {
	return &refsyncdomain.DeliveryFailure{Subscriber: "billing", Mode: refsyncdomain.ModePush, Permanent: true, Err: errors.New("422")}
}

// corruptSource serves heads whose payloads no longer match the schema.
type corruptSource struct {
	reconciledomain.AuthoritativeSource
}

func (s corruptSource) Lookup(ctx context.Context, entityType referencedomain.EntityType, entityUUIDs []string) ([]reconciledomain.Head, error) {
	heads, err := s.AuthoritativeSource.Lookup(ctx, entityType, entityUUIDs)
	for i := range heads {
		heads[i].Payload = json.RawMessage(`{"title":"Dune","unexpected":true}`)
	}
	return heads, err
}

type harness struct {
	svc        *Service
	refs       referencedomain.Service
	dispatcher refsyncdomain.Service
	clk        *clock.FakeClock
	logs       *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	cfg := config.Config{SubscriberName: "billing"}
	rules := config.DefaultRules()
	rules.Reconcile = []config.ReconcilePair{
		{Subscriber: "billing", EntityType: "book", Interval: 15 * time.Minute, SampleSize: 50},
		{Subscriber: "search", EntityType: "book", Interval: 15 * time.Minute, SampleSize: 50},
	}
	holder := config.NewStaticRules(rules)

	refs := referenceservice.NewService(referenceservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  referencerepository.Provide(),
	})
	dispatcher := refsyncservice.NewService(refsyncservice.ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Config:     cfg,
		Rules:      holder,
		Repo:       refsyncrepository.Provide(),
		Transports: transport.NewRegistry(rejectingPush{}),
		Notifier:   refsyncservice.NewNotifier(),
	})
	svc := newService(ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Config:     cfg,
		Rules:      holder,
		Repo:       repository.Provide(),
		References: refs,
		Dispatcher: dispatcher,
	})
	return &harness{svc: svc, refs: refs, dispatcher: dispatcher, clk: clk, logs: logs}
}

func bookPayload(title string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"title":%q}`, title))
}

func (h *harness) emit(t *testing.T, uuid string, version int64, title string) {
	t.Helper()
	_, err := h.dispatcher.Emit(context.Background(), refsyncdomain.EmitRequest{
		EntityUUID:    uuid,
		EntityType:    "book",
		Operation:     "update",
		Payload:       bookPayload(title),
		SourceVersion: version,
	})
	require.NoError(t, err)
}

func (h *harness) apply(t *testing.T, uuid string, version int64, title string) {
	t.Helper()
	_, err := h.refs.Apply(context.Background(), referencedomain.Change{
		EntityUUID:    uuid,
		EntityType:    referencedomain.EntityTypeBook,
		Operation:     referencedomain.OperationUpdate,
		Payload:       bookPayload(title),
		SourceVersion: version,
	})
	require.NoError(t, err)
}

func (h *harness) title(t *testing.T, uuid string) (string, int64) {
	t.Helper()
	ref, err := h.refs.Get(context.Background(), uuid)
	require.NoError(t, err)
	book, err := referencedomain.DecodeBook(ref.Payload)
	require.NoError(t, err)
	return book.Title, ref.SourceVersion
}

func TestFullRunRepairsMissingReferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.emit(t, "book-1", 1, "Dune")
	h.emit(t, "book-2", 4, "Emma")

	run, err := h.svc.Run(ctx, reconciledomain.RunRequest{Subscriber: "billing", EntityType: "book"})
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.ModeFull, run.Mode)
	assert.Equal(t, 2, run.Checked)
	assert.Equal(t, 2, run.Missing)
	assert.Equal(t, 2, run.Repaired)

	title, version := h.title(t, "book-2")
	assert.Equal(t, "Emma", title)
	assert.Equal(t, int64(4), version)
}

func TestSampleRunRepairsBehindAndDivergedCopies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.emit(t, "book-1", 1, "Dune")
	h.emit(t, "book-1", 2, "Dune, revised")
	h.apply(t, "book-1", 1, "Dune")

	h.emit(t, "book-2", 3, "Emma")
	h.apply(t, "book-2", 3, "Emma (corrupted)")

	run, err := h.svc.Run(ctx, reconciledomain.RunRequest{Subscriber: "billing", EntityType: "book", SampleSize: 10})
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.ModeSample, run.Mode)
	assert.Equal(t, 2, run.Drifted)
	assert.Equal(t, 2, run.Repaired)

	title, version := h.title(t, "book-1")
	assert.Equal(t, "Dune, revised", title)
	assert.Equal(t, int64(2), version)

	title, version = h.title(t, "book-2")
	assert.Equal(t, "Emma", title)
	assert.Equal(t, int64(3), version)

	again, err := h.svc.Run(ctx, reconciledomain.RunRequest{Subscriber: "billing", EntityType: "book", SampleSize: 10})
	require.NoError(t, err)
	assert.False(t, again.HasDrift())
	assert.Equal(t, 2, again.Checked)
}

func TestRunNeverRegressesNewerCopy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.emit(t, "book-1", 2, "Dune")
	h.apply(t, "book-1", 5, "Dune, fifth edition")

	run, err := h.svc.Run(ctx, reconciledomain.RunRequest{Subscriber: "billing", EntityType: "book", SampleSize: 10})
	require.NoError(t, err)
	assert.False(t, run.HasDrift())

	title, version := h.title(t, "book-1")
	assert.Equal(t, "Dune, fifth edition", title)
	assert.Equal(t, int64(5), version)
}

func TestRepeatedDriftEscalatesToWarn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.emit(t, "book-1", 1, "Dune")
	_, err := h.svc.Run(ctx, reconciledomain.RunRequest{Subscriber: "billing", EntityType: "book"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.logs.FilterMessage("reconcile.drift_detected").Len())

	h.clk.Advance(time.Minute)
	h.emit(t, "book-2", 1, "Emma")
	_, err = h.svc.Run(ctx, reconciledomain.RunRequest{Subscriber: "billing", EntityType: "book"})
	require.NoError(t, err)

	warned := h.logs.FilterMessage("reconcile.drift_repeated").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zapcore.WarnLevel, warned[0].Level)

	runs, err := h.svc.ListRuns(ctx, "billing", "book", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRepairResolvesParkedDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.dispatcher.Subscribe(ctx, refsyncdomain.SubscribeRequest{
		Name:        "billing",
		Mode:        "push",
		Endpoint:    "https://billing.example.test/sync",
		EntityTypes: []string{"book"},
	})
	require.NoError(t, err)
	h.emit(t, "book-1", 1, "Dune")

	stats, err := h.dispatcher.DeliverDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Parked)

	run, err := h.svc.Run(ctx, reconciledomain.RunRequest{Subscriber: "billing", EntityType: "book", SampleSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Missing)
	assert.Equal(t, 1, run.Repaired)
	assert.Equal(t, 1, run.Resolved)

	parked, err := h.dispatcher.ListParked(ctx, "billing", "book", 10)
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestRejectedRepairKeepsParkedDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.dispatcher.Subscribe(ctx, refsyncdomain.SubscribeRequest{
		Name:        "billing",
		Mode:        "push",
		Endpoint:    "https://billing.example.test/sync",
		EntityTypes: []string{"book"},
	})
	require.NoError(t, err)
	h.emit(t, "book-1", 1, "Dune")

	stats, err := h.dispatcher.DeliverDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Parked)

	h.svc.local = corruptSource{AuthoritativeSource: h.svc.local}
	run, err := h.svc.Run(ctx, reconciledomain.RunRequest{Subscriber: "billing", EntityType: "book", SampleSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Missing)
	assert.Equal(t, 0, run.Repaired)
	assert.Equal(t, 0, run.Resolved)
	assert.Equal(t, 1, h.logs.FilterMessage("reconcile.repair_rejected").Len())

	parked, err := h.dispatcher.ListParked(ctx, "billing", "book", 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "book-1", parked[0].EntityUUID)

	_, err = h.refs.Get(ctx, "book-1")
	assert.ErrorIs(t, err, referencedomain.ErrReferenceNotFound)
}

func TestRunDueHonoursIntervalAndLocalSubscriber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.emit(t, "book-1", 1, "Dune")
	h.apply(t, "book-1", 1, "Dune")

	runs, err := h.svc.RunDue(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "billing", runs[0].Subscriber)

	h.clk.Advance(5 * time.Minute)
	runs, err = h.svc.RunDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)

	h.clk.Advance(15 * time.Minute)
	runs, err = h.svc.RunDue(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunRejectsForeignSubscriber(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Run(context.Background(), reconciledomain.RunRequest{Subscriber: "search", EntityType: "book"})
	assert.ErrorIs(t, err, reconciledomain.ErrInvalidPair)

	_, err = h.svc.Run(context.Background(), reconciledomain.RunRequest{Subscriber: "billing", EntityType: "magazine"})
	assert.ErrorIs(t, err, referencedomain.ErrInvalidEntityType)
}
