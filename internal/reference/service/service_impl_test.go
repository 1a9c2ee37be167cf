package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/bookline/internal/clock"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	"github.com/smallbiznis/bookline/internal/reference/repository"
	"github.com/smallbiznis/bookline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	svc := NewService(ServiceParam{
		DB:    testutil.OpenDB(t),
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, clk
}

func bookChange(uuid string, version int64, title string) referencedomain.Change {
	return referencedomain.Change{
		EntityUUID:    uuid,
		EntityType:    referencedomain.EntityTypeBook,
		Operation:     referencedomain.OperationUpdate,
		Payload:       json.RawMessage(fmt.Sprintf(`{"title":%q}`, title)),
		SourceVersion: version,
	}
}

func TestApplyOutOfOrderKeepsHighestVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	outcome, err := svc.Apply(ctx, bookChange("book-1", 3, "v3"))
	require.NoError(t, err)
	assert.Equal(t, referencedomain.ApplyOutcomeApplied, outcome)

	outcome, err = svc.Apply(ctx, bookChange("book-1", 5, "v5"))
	require.NoError(t, err)
	assert.Equal(t, referencedomain.ApplyOutcomeApplied, outcome)

	outcome, err = svc.Apply(ctx, bookChange("book-1", 4, "v4"))
	require.NoError(t, err)
	assert.Equal(t, referencedomain.ApplyOutcomeStale, outcome)

	ref, err := svc.Get(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), ref.SourceVersion)
	book, err := referencedomain.DecodeBook(ref.Payload)
	require.NoError(t, err)
	assert.Equal(t, "v5", book.Title)
}

func TestApplySameVersionIsNoop(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, bookChange("book-1", 2, "first"))
	require.NoError(t, err)
	outcome, err := svc.Apply(ctx, bookChange("book-1", 2, "replayed"))
	require.NoError(t, err)
	assert.Equal(t, referencedomain.ApplyOutcomeStale, outcome)

	ref, err := svc.Get(ctx, "book-1")
	require.NoError(t, err)
	book, _ := referencedomain.DecodeBook(ref.Payload)
	assert.Equal(t, "first", book.Title)
}

func TestRepairOverwritesDivergedSameVersionButNeverRegresses(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, bookChange("book-1", 4, "corrupted"))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	outcome, err := svc.Repair(ctx, bookChange("book-1", 4, "authoritative"))
	require.NoError(t, err)
	assert.Equal(t, referencedomain.ApplyOutcomeApplied, outcome)

	outcome, err = svc.Repair(ctx, bookChange("book-1", 4, "authoritative"))
	require.NoError(t, err)
	assert.Equal(t, referencedomain.ApplyOutcomeStale, outcome)

	outcome, err = svc.Repair(ctx, bookChange("book-1", 3, "older"))
	require.NoError(t, err)
	assert.Equal(t, referencedomain.ApplyOutcomeStale, outcome)

	ref, err := svc.Get(ctx, "book-1")
	require.NoError(t, err)
	book, _ := referencedomain.DecodeBook(ref.Payload)
	assert.Equal(t, "authoritative", book.Title)
	assert.Equal(t, int64(4), ref.SourceVersion)
}

func TestDeleteKeepsContentAndDeactivates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, referencedomain.Change{
		EntityUUID:    "user-1",
		EntityType:    referencedomain.EntityTypeUser,
		Operation:     referencedomain.OperationCreate,
		Payload:       json.RawMessage(`{"display_name":"Awa"}`),
		SourceVersion: 1,
	})
	require.NoError(t, err)

	_, err = svc.RequireActive(ctx, referencedomain.EntityTypeUser, "user-1")
	require.NoError(t, err)

	_, err = svc.Apply(ctx, referencedomain.Change{
		EntityUUID:    "user-1",
		EntityType:    referencedomain.EntityTypeUser,
		Operation:     referencedomain.OperationDelete,
		SourceVersion: 2,
	})
	require.NoError(t, err)

	ref, err := svc.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ref.IsActive)
	assert.True(t, referencedomain.JSONEqual(ref.DisplayFields, []byte(`{"display_name":"Awa"}`)))

	_, err = svc.RequireActive(ctx, referencedomain.EntityTypeUser, "user-1")
	assert.ErrorIs(t, err, referencedomain.ErrReferenceInactive)
	_, err = svc.RequireActive(ctx, referencedomain.EntityTypeBook, "user-1")
	assert.ErrorIs(t, err, referencedomain.ErrReferenceNotFound)
	_, err = svc.RequireActive(ctx, referencedomain.EntityTypeUser, "user-404")
	assert.ErrorIs(t, err, referencedomain.ErrReferenceNotFound)
}

func TestApplyRejectsInvalidChange(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, bookChange("", 1, "x"))
	assert.ErrorIs(t, err, referencedomain.ErrInvalidEntityUUID)
	assert.True(t, IsValidationError(err))

	_, err = svc.Apply(ctx, bookChange("book-1", 0, "x"))
	assert.ErrorIs(t, err, referencedomain.ErrInvalidVersion)

	bad := bookChange("book-1", 1, "x")
	bad.EntityType = "publisher"
	_, err = svc.Apply(ctx, bad)
	assert.ErrorIs(t, err, referencedomain.ErrInvalidEntityType)
}

func TestListPagesAndSampleOrdersBySyncTime(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := svc.Apply(ctx, bookChange(fmt.Sprintf("book-%d", i), 1, fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	first, err := svc.List(ctx, referencedomain.ListRequest{EntityType: "book", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.References, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "book-1", first.References[0].EntityUUID)

	second, err := svc.List(ctx, referencedomain.ListRequest{EntityType: "book", PageSize: 2, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.References, 2)
	assert.Equal(t, "book-3", second.References[0].EntityUUID)

	require.NoError(t, svc.MarkChecked(ctx, []string{"book-1", "book-2"}, clk.Now().Add(time.Hour)))
	sample, err := svc.Sample(ctx, referencedomain.EntityTypeBook, 2)
	require.NoError(t, err)
	require.Len(t, sample, 2)
	assert.Equal(t, "book-3", sample[0].EntityUUID)
	assert.Equal(t, "book-4", sample[1].EntityUUID)

	seen := 0
	require.NoError(t, svc.All(ctx, referencedomain.EntityTypeBook, func(rows []referencedomain.EntityReference) error {
		seen += len(rows)
		return nil
	}))
	assert.Equal(t, 5, seen)
}
