package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/value"
)

func dirtyState(ownerID string) NewRecord {
	return NewRecord{
		OwnerType:  "identity",
		OwnerID:    ownerID,
		EventID:    "evt-1",
		ResultCode: "DIRTY_STATE",
		Parameters: value.Object{"contract_id": value.String("c-1")},
	}
}

func TestCreate_StoresBlockedRecord(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec, created, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "state-1", rec.ID)
	assert.Equal(t, Blocked, rec.State)
	assert.Equal(t, "evt-1", rec.EventID)
	assert.Equal(t, "c-1", rec.Parameters.String("contract_id"))
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, int64(1), rec.Seq)
}

func TestCreate_IdempotentWhileBlocked(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	first, created, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	require.True(t, created)

	again := dirtyState("identity-1")
	again.EventID = "evt-2"
	again.Parameters = value.Object{"contract_id": value.String("c-2")}
	second, created, err := s.Create(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "evt-1", second.EventID, "existing record must be untouched")

	records, err := s.Find(ctx, Filter{OwnerID: "identity-1"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCreate_NewRecordOnceNotBlocked(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	first, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	_, err = s.Claim(ctx, first.ID)
	require.NoError(t, err)

	second, created, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreate_DistinctResultCodes(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, created, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	assert.True(t, created)

	force := dirtyState("identity-1")
	force.ResultCode = "FORCE_DELETE"
	_, created, err = s.Create(ctx, force)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreate_RequiresOwnerAndCode(t *testing.T) {
	s, _ := createTestStore(t)

	_, _, err := s.Create(context.Background(), NewRecord{OwnerType: "identity"})
	require.Error(t, err)
}

func TestFind_FiltersAndOrders(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, owner := range []string{"identity-2", "identity-1", "identity-3"} {
		_, _, err := s.Create(ctx, dirtyState(owner))
		require.NoError(t, err)
	}
	force := dirtyState("identity-1")
	force.ResultCode = "FORCE_DELETE"
	_, _, err := s.Create(ctx, force)
	require.NoError(t, err)

	all, err := s.Find(ctx, Filter{ResultCode: "DIRTY_STATE", States: []State{Blocked}})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "identity-2", all[0].OwnerID)
	assert.Equal(t, "identity-1", all[1].OwnerID)
	assert.Equal(t, "identity-3", all[2].OwnerID)

	mine, err := s.Find(ctx, Filter{OwnerType: "identity", OwnerID: "identity-1"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "DIRTY_STATE", mine[0].ResultCode)
	assert.Equal(t, "FORCE_DELETE", mine[1].ResultCode)

	limited, err := s.Find(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.Find(ctx, Filter{OwnerID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestFind_RejectsUnknownState(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Find(context.Background(), Filter{States: []State{"PAUSED"}})
	require.Error(t, err)
}

func TestClaim(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, Running, claimed.State)

	_, err = s.Claim(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotClaimable)

	_, err = s.Claim(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelease_IncrementsAttempts(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	_, err = s.Claim(ctx, rec.ID)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, rec.ID, errors.New("recalculation failed")))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, Blocked, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "recalculation failed", got.LastError)

	require.NoError(t, s.ResetAttempts(ctx, rec.ID))
	got, err = s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)
}

func TestRelease_YieldsToNewerBlockedSibling(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	running, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	_, err = s.Claim(ctx, running.ID)
	require.NoError(t, err)

	sibling, created, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, s.Release(ctx, running.ID, errors.New("boom")))

	_, err = s.Get(ctx, running.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	blocked, err := s.Find(ctx, Filter{OwnerID: "identity-1", States: []State{Blocked}})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, sibling.ID, blocked[0].ID)
}

func TestRelease_NotRunning(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)

	assert.ErrorIs(t, s.Release(ctx, rec.ID, nil), ErrNotClaimable)
	assert.ErrorIs(t, s.Release(ctx, "missing", nil), ErrNotFound)
}

func TestCompleteAndDelete(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, rec.ID))
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, Completed, got.State)

	require.NoError(t, s.Delete(ctx, rec.ID))
	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting twice (cancel racing with resumption) is a no-op.
	require.NoError(t, s.Delete(ctx, rec.ID))
	assert.ErrorIs(t, s.Complete(ctx, rec.ID), ErrNotFound)
}

func TestHasOutstanding(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	has, err := s.HasOutstanding(ctx, "identity-1")
	require.NoError(t, err)
	assert.False(t, has)

	rec, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	has, err = s.HasOutstanding(ctx, "identity-1")
	require.NoError(t, err)
	assert.True(t, has)

	_, err = s.Claim(ctx, rec.ID)
	require.NoError(t, err)
	has, err = s.HasOutstanding(ctx, "identity-1")
	require.NoError(t, err)
	assert.True(t, has, "RUNNING still blocks the owner")

	require.NoError(t, s.Complete(ctx, rec.ID))
	has, err = s.HasOutstanding(ctx, "identity-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHasOutstanding_MatchesSuperOwner(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec, _, err := s.Create(ctx, NewRecord{
		OwnerType:    "contract",
		OwnerID:      "c-1",
		ResultCode:   "FORCE_DELETE",
		SuperOwnerID: "identity-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "identity-1", rec.SuperOwnerID)

	has, err := s.HasOutstanding(ctx, "identity-1")
	require.NoError(t, err)
	assert.True(t, has, "a contract record holds up its identity's chains")

	has, err = s.HasOutstanding(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, has, "the owner id alone is not a super-owner")

	found, err := s.Find(ctx, Filter{SuperOwnerID: "identity-1", States: Outstanding()})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, rec.ID, found[0].ID)
}

func TestHasOutstanding_IgnoresOwnersSharingAnID(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.Create(ctx, NewRecord{
		OwnerType:    "contract",
		OwnerID:      "shared-1",
		ResultCode:   "FORCE_DELETE",
		SuperOwnerID: "identity-9",
	})
	require.NoError(t, err)

	has, err := s.HasOutstanding(ctx, "shared-1")
	require.NoError(t, err)
	assert.False(t, has, "an identity shared-1 is not held by contract shared-1")
}

func TestFind_HighPriorityFirst(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	normal, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	urgent := dirtyState("identity-2")
	urgent.Priority = event.High
	high, _, err := s.Create(ctx, urgent)
	require.NoError(t, err)
	assert.Equal(t, event.High, high.Priority)

	found, err := s.Find(ctx, Filter{ResultCode: "DIRTY_STATE"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, []string{high.ID, normal.ID}, []string{found[0].ID, found[1].ID})
	assert.Equal(t, event.Normal, found[1].Priority)
}

func TestReclaimStale(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	stale, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	_, err = s.Claim(ctx, stale.ID)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)

	fresh, _, err := s.Create(ctx, dirtyState("identity-2"))
	require.NoError(t, err)
	_, err = s.Claim(ctx, fresh.ID)
	require.NoError(t, err)

	n, err := s.ReclaimStale(ctx, clock.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, Blocked, got.State)
	assert.Equal(t, 1, got.Attempts)

	got, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, Running, got.State)
}

func TestReclaimStale_DropsWhenBlockedSiblingExists(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	stale, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	_, err = s.Claim(ctx, stale.ID)
	require.NoError(t, err)
	sibling, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)

	clock.Advance(time.Hour)

	n, err := s.ReclaimStale(ctx, clock.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = s.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, sibling.ID)
	require.NoError(t, err)
}

func TestReclaimStale_KeepsOldestOfStaleDuplicates(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	older, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	_, err = s.Claim(ctx, older.ID)
	require.NoError(t, err)
	newer, _, err := s.Create(ctx, dirtyState("identity-1"))
	require.NoError(t, err)
	_, err = s.Claim(ctx, newer.ID)
	require.NoError(t, err)

	clock.Advance(time.Hour)

	n, err := s.ReclaimStale(ctx, clock.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, older.ID)
	require.NoError(t, err)
	_, err = s.Get(ctx, newer.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParameters_CanonicalStorage(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec := dirtyState("identity-1")
	rec.Parameters = value.Object{
		"z":     value.Int(9007199254740993),
		"a":     value.Bool(true),
		"items": value.Array{value.String("x")},
	}
	stored, _, err := s.Create(ctx, rec)
	require.NoError(t, err)

	var raw string
	require.NoError(t, s.db.QueryRow("SELECT parameters FROM entity_states WHERE id = ?", stored.ID).Scan(&raw))
	assert.Equal(t, `{"a":true,"items":["x"],"z":9007199254740993}`, raw)
	assert.Equal(t, int64(9007199254740993), stored.Parameters.Int("z"))
}
