package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbrd/green-home-search/internal/mapping"
	"github.com/tbrd/green-home-search/internal/search"
)

func listingsFamily() Family {
	return Family{
		Name:         "listings",
		AllAlias:     "listings-all",
		ActiveAlias:  "listings-active",
		ActiveFilter: &search.TermFilter{Field: "is_active", Value: true},
	}
}

func newManager(t *testing.T) (*Manager, *search.Engine, *mapping.Definition) {
	t.Helper()
	engine, err := search.NewEngine("")
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	def, _, err := mapping.Load("listings", 1)
	require.NoError(t, err)
	return NewManager(engine, listingsFamily()), engine, def
}

func writeListings(ctx context.Context, store search.Store, index string, active, inactive int) error {
	var items []search.BulkItem
	for i := 0; i < active+inactive; i++ {
		id := fmt.Sprintf("%s-%d", index, i)
		items = append(items, search.BulkItem{
			Action: search.ActionIndex,
			Index:  index,
			ID:     id,
			Doc:    map[string]interface{}{"listing_id": id, "property_id": "1", "is_active": i < active},
		})
	}
	result, err := store.Bulk(ctx, items)
	if err != nil {
		return err
	}
	if result.Failures() > 0 {
		return fmt.Errorf("%d listings failed", result.Failures())
	}
	return nil
}

func fillStore(store search.Store, active, inactive int) RebuildFunc {
	return func(ctx context.Context, index string) error {
		return writeListings(ctx, store, index, active, inactive)
	}
}

func TestParseIndexName(t *testing.T) {
	tests := []struct {
		name    string
		family  string
		version int
		wantErr bool
	}{
		{"listings-v1", "listings", 1, false},
		{"properties-v12", "properties", 12, false},
		{"my-listings-v3", "my-listings", 3, false},
		{"listings", "", 0, true},
		{"listings-v", "", 0, true},
		{"listings-v0", "", 0, true},
		{"listings-v+1", "", 0, true},
		{"listings-vx", "", 0, true},
		{"-v1", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			family, version, err := ParseIndexName(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.family, family)
			assert.Equal(t, tt.version, version)
			assert.Equal(t, tt.name, IndexName(family, version))
		})
	}
}

func TestManager_StateMachine(t *testing.T) {
	m, _, _ := newManager(t)

	assert.True(t, errors.Is(m.MarkReady(1), ErrInvalidTransition))
	assert.True(t, errors.Is(m.transition(1, StateRetiring), ErrInvalidTransition))

	require.NoError(t, m.transition(1, StateCreating))
	assert.True(t, errors.Is(m.transition(1, StateRetiring), ErrInvalidTransition))
	require.NoError(t, m.transition(1, StateReady))
	assert.True(t, errors.Is(m.transition(1, StateCreating), ErrInvalidTransition))
	require.NoError(t, m.transition(1, StateRetiring))
	require.NoError(t, m.transition(1, StateAbsent))
	assert.Equal(t, StateAbsent, m.State(1))
}

func TestManager_CreateVersioned(t *testing.T) {
	ctx := context.Background()
	m, engine, def := newManager(t)

	name, err := m.CreateVersioned(ctx, def, 1, false)
	require.NoError(t, err)
	assert.Equal(t, "listings-v1", name)
	assert.Equal(t, StateCreating, m.State(1))
	require.NoError(t, m.MarkReady(1))

	_, err = m.CreateVersioned(ctx, def, 1, false)
	assert.True(t, errors.Is(err, ErrVersionExists), "Expected ErrVersionExists, got %v", err)

	// A fresh manager still sees the existing index
	other := NewManager(engine, listingsFamily())
	_, err = other.CreateVersioned(ctx, def, 1, false)
	assert.True(t, errors.Is(err, ErrVersionExists))

	require.NoError(t, writeListings(ctx, engine, "listings-v1", 3, 0))
	_, err = m.CreateVersioned(ctx, def, 1, true)
	require.NoError(t, err)
	count, err := engine.Count(ctx, "listings-v1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "Expected force to recreate the index empty")
}

func TestManager_ForceRefusesBoundVersion(t *testing.T) {
	ctx := context.Background()
	m, _, def := newManager(t)

	_, err := m.CreateVersioned(ctx, def, 1, false)
	require.NoError(t, err)
	require.NoError(t, m.MarkReady(1))
	require.NoError(t, m.BindAliases(ctx, 1))

	_, err = m.CreateVersioned(ctx, def, 1, true)
	assert.True(t, errors.Is(err, ErrVersionBound), "Expected ErrVersionBound, got %v", err)
	assert.Equal(t, StateReady, m.State(1))

	err = m.Retire(ctx, 1)
	assert.True(t, errors.Is(err, ErrVersionBound))
}

func TestManager_BindAliases(t *testing.T) {
	ctx := context.Background()
	m, engine, def := newManager(t)

	_, err := m.CreateVersioned(ctx, def, 1, false)
	require.NoError(t, err)

	err = m.BindAliases(ctx, 1)
	assert.True(t, errors.Is(err, ErrNotReady), "Expected ErrNotReady, got %v", err)

	require.NoError(t, m.MarkReady(1))
	require.NoError(t, m.BindAliases(ctx, 1))

	bindings, err := engine.GetAliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []search.AliasBinding{
		{Alias: "listings-active", Index: "listings-v1", Filter: &search.TermFilter{Field: "is_active", Value: true}},
		{Alias: "listings-all", Index: "listings-v1"},
	}, bindings)

	require.NoError(t, writeListings(ctx, engine, "listings-all", 2, 3))
	active, err := engine.Count(ctx, "listings-active")
	require.NoError(t, err)
	all, err := engine.Count(ctx, "listings-all")
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)
	assert.Equal(t, int64(5), all)

	version, ok, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, version)

	// Rebinding the same version is a no-op for readers
	require.NoError(t, m.BindAliases(ctx, 1))
	version, _, err = m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestManager_Repoint(t *testing.T) {
	ctx := context.Background()
	m, engine, def := newManager(t)

	first, err := m.Repoint(ctx, def, 1, fillStore(engine, 2, 1), RepointOptions{})
	require.NoError(t, err)
	assert.Equal(t, &Cutover{Family: "listings", To: "listings-v1"}, first)

	second, err := m.Repoint(ctx, def, 2, fillStore(engine, 4, 0), RepointOptions{})
	require.NoError(t, err)
	assert.Equal(t, &Cutover{Family: "listings", From: "listings-v1", To: "listings-v2", Retired: true}, second)

	exists, err := engine.IndexExists(ctx, "listings-v1")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, StateAbsent, m.State(1))
	assert.Equal(t, StateReady, m.State(2))

	active, err := engine.Count(ctx, "listings-active")
	require.NoError(t, err)
	assert.Equal(t, int64(4), active)
}

func TestManager_RepointKeepOld(t *testing.T) {
	ctx := context.Background()
	m, engine, def := newManager(t)

	_, err := m.Repoint(ctx, def, 1, fillStore(engine, 1, 0), RepointOptions{})
	require.NoError(t, err)
	cutover, err := m.Repoint(ctx, def, 2, fillStore(engine, 1, 0), RepointOptions{KeepOld: true})
	require.NoError(t, err)
	assert.False(t, cutover.Retired)

	versions, err := m.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	next, err := m.NextVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, next)
}

func TestManager_FailedRebuildKeepsOldBinding(t *testing.T) {
	ctx := context.Background()
	m, engine, def := newManager(t)

	_, err := m.Repoint(ctx, def, 1, fillStore(engine, 3, 0), RepointOptions{})
	require.NoError(t, err)

	boom := errors.New("source unavailable")
	_, err = m.Repoint(ctx, def, 2, func(ctx context.Context, index string) error {
		if err := writeListings(ctx, engine, index, 1, 0); err != nil {
			return err
		}
		return boom
	}, RepointOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	exists, err := engine.IndexExists(ctx, "listings-v2")
	require.NoError(t, err)
	assert.False(t, exists, "Expected the failed version to be deleted")
	assert.Equal(t, StateAbsent, m.State(2))

	version, ok, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, version)

	active, err := engine.Count(ctx, "listings-active")
	require.NoError(t, err)
	assert.Equal(t, int64(3), active)
}

// conflictingStore rejects every alias update
type conflictingStore struct {
	*search.Engine
}

func (s conflictingStore) UpdateAliases(ctx context.Context, actions []search.AliasAction) error {
	return fmt.Errorf("%w: concurrent update", search.ErrAliasConflict)
}

func TestManager_FailedCutoverLeavesNewVersionUnbound(t *testing.T) {
	ctx := context.Background()
	_, engine, def := newManager(t)

	ok := NewManager(engine, listingsFamily())
	_, err := ok.Repoint(ctx, def, 1, fillStore(engine, 1, 0), RepointOptions{})
	require.NoError(t, err)

	m := NewManager(conflictingStore{engine}, listingsFamily())
	_, err = m.Repoint(ctx, def, 2, fillStore(engine, 5, 0), RepointOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, search.ErrAliasConflict))

	assert.Equal(t, StateReady, m.State(2))
	exists, err := engine.IndexExists(ctx, "listings-v2")
	require.NoError(t, err)
	assert.True(t, exists)

	version, _, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestManager_RepointIsAtomicForReaders(t *testing.T) {
	ctx := context.Background()
	m, engine, def := newManager(t)

	_, err := m.Repoint(ctx, def, 1, fillStore(engine, 10, 5), RepointOptions{})
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var reads, bad atomic.Int64
	var mu sync.Mutex
	var firstErr error

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				active, err := engine.Count(ctx, "listings-active")
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					bad.Add(1)
					continue
				}
				// Old index has 10 active listings, the new one 20
				if active != 10 && active != 20 {
					bad.Add(1)
				}
				reads.Add(1)
			}
		}()
	}

	for v := 2; v <= 4; v++ {
		active := 10
		if v%2 == 0 {
			active = 20
		}
		_, err := m.Repoint(ctx, def, v, fillStore(engine, active, 5), RepointOptions{})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(0), bad.Load(), "readers saw a partial cutover: %v", firstErr)
	assert.Greater(t, reads.Load(), int64(0))
}

func TestManager_CurrentVersionUnbound(t *testing.T) {
	m, _, _ := newManager(t)
	_, ok, err := m.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

// flakyCreateStore fails index creation until healed
type flakyCreateStore struct {
	*search.Engine
	healed atomic.Bool
}

func (s *flakyCreateStore) CreateIndex(ctx context.Context, name string, def *mapping.Definition) error {
	if !s.healed.Load() {
		return errors.New("cluster red")
	}
	return s.Engine.CreateIndex(ctx, name, def)
}

func TestManager_FailedCreateResetsState(t *testing.T) {
	ctx := context.Background()
	_, engine, def := newManager(t)
	store := &flakyCreateStore{Engine: engine}
	m := NewManager(store, listingsFamily())

	_, err := m.CreateVersioned(ctx, def, 1, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster red")
	if m.State(1) != StateAbsent {
		t.Errorf("Expected state %s after a failed create, got %s", StateAbsent, m.State(1))
	}

	// The same manager can create the version once the store recovers
	store.healed.Store(true)
	name, err := m.CreateVersioned(ctx, def, 1, false)
	require.NoError(t, err)
	assert.Equal(t, "listings-v1", name)
	assert.Equal(t, StateCreating, m.State(1))
}
