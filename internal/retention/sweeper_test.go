package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbrd/green-home-search/internal/bulk"
	"github.com/tbrd/green-home-search/internal/mapping"
	"github.com/tbrd/green-home-search/internal/retry"
	"github.com/tbrd/green-home-search/internal/runstate"
	"github.com/tbrd/green-home-search/internal/search"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type listing struct {
	ListingID string    `json:"listing_id"`
	IsActive  bool      `json:"is_active"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newStore(t *testing.T, listings ...listing) *search.Engine {
	t.Helper()
	ctx := context.Background()

	engine, err := search.NewEngine("")
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	def, _, err := mapping.Load("listings", 1)
	require.NoError(t, err)
	require.NoError(t, engine.CreateIndex(ctx, "listings-v1", def))
	require.NoError(t, engine.UpdateAliases(ctx, []search.AliasAction{{Type: search.AliasAdd, Index: "listings-v1", Alias: "listings-all"}}))

	var items []search.BulkItem
	for _, l := range listings {
		items = append(items, search.BulkItem{Action: search.ActionIndex, Index: "listings-all", ID: l.ListingID, Doc: l})
	}
	if len(items) > 0 {
		result, err := engine.Bulk(ctx, items)
		require.NoError(t, err)
		require.Equal(t, 0, result.Failures())
	}
	return engine
}

func expiredDaysAgo(id string, days int, active bool) listing {
	status := "active"
	if !active {
		status = "withdrawn"
	}
	return listing{ListingID: id, IsActive: active, Status: status, ExpiresAt: now.Add(-time.Duration(days) * 24 * time.Hour)}
}

func newSweeper(store Store, mode Mode, pageSize int) *Sweeper {
	s := NewSweeper(store, Config{
		Index:       "listings-all",
		ActiveField: "is_active",
		Window:      90 * 24 * time.Hour,
		Mode:        mode,
		PageSize:    pageSize,
		Bulk: bulk.Config{
			BatchSize:        3,
			FailureThreshold: 0,
			MaxErrorDetails:  5,
			Retry:            retry.Policy{MaxAttempts: 1},
		},
	})
	s.now = func() time.Time { return now }
	return s
}

func getListing(t *testing.T, store search.Store, id string) listing {
	t.Helper()
	raw, err := store.Get(context.Background(), "listings-all", id)
	require.NoError(t, err)
	var l listing
	require.NoError(t, json.Unmarshal(raw, &l))
	return l
}

func TestSweeper_SoftExpire(t *testing.T) {
	ctx := context.Background()
	store := newStore(t,
		expiredDaysAgo("a", 91, true),
		expiredDaysAgo("b", 89, true),
		expiredDaysAgo("c", 200, true),
		expiredDaysAgo("d", 200, false),
		expiredDaysAgo("e", -10, true),
	)
	sweeper := newSweeper(store, ModeSoft, 500)

	run, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusSucceeded, run.Status)
	assert.Equal(t, int64(2), run.Processed)
	assert.Equal(t, int64(2), run.Succeeded)

	for _, id := range []string{"a", "c"} {
		l := getListing(t, store, id)
		assert.False(t, l.IsActive, "listing %s", id)
		assert.Equal(t, "expired", l.Status)
	}
	assert.True(t, getListing(t, store, "b").IsActive)
	assert.True(t, getListing(t, store, "e").IsActive)
	assert.Equal(t, "withdrawn", getListing(t, store, "d").Status, "Expected inactive listings to be left alone")

	// Re-running selects nothing
	run, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), run.Processed)
}

func TestSweeper_Purge(t *testing.T) {
	ctx := context.Background()
	store := newStore(t,
		expiredDaysAgo("a", 91, true),
		expiredDaysAgo("b", 89, true),
		expiredDaysAgo("c", 120, false),
	)
	sweeper := newSweeper(store, ModePurge, 500)

	run, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.Succeeded)

	for _, id := range []string{"a", "c"} {
		_, err := store.Get(ctx, "listings-all", id)
		assert.True(t, errors.Is(err, search.ErrNotFound), "Expected %s to be purged", id)
	}
	getListing(t, store, "b")

	run, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), run.Processed)
}

func TestSweeper_PagesThroughManyListings(t *testing.T) {
	ctx := context.Background()
	var listings []listing
	for i := 0; i < 23; i++ {
		listings = append(listings, expiredDaysAgo(fmt.Sprintf("l-%03d", i), 100+i, true))
	}
	listings = append(listings, expiredDaysAgo("fresh", 1, true))
	store := newStore(t, listings...)

	run, err := newSweeper(store, ModeSoft, 5).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(23), run.Processed)
	assert.Equal(t, int64(23), run.Succeeded)

	count, err := store.Search(ctx, "listings-all", search.Query{
		Filters: []search.TermFilter{{Field: "is_active", Value: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count.Total)
}

func TestSweeper_UnknownMode(t *testing.T) {
	store := newStore(t)
	run, err := newSweeper(store, Mode("archive"), 10).Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, runstate.StatusFailed, run.Status)
}
