package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbrd/green-home-search/internal/lifecycle"
	"github.com/tbrd/green-home-search/internal/mapping"
	"github.com/tbrd/green-home-search/internal/runstate"
	"github.com/tbrd/green-home-search/internal/search"
)

func TestRecordUnstarted(t *testing.T) {
	a := &app{history: runstate.NewStateManager("", 10)}

	a.recordUnstarted(runstate.OperationRepoint, "listings-v2", true, errors.New("cutover failed"))
	a.recordUnstarted(runstate.OperationRepoint, "listings-v2", false, nil)
	if runs := a.history.Runs(); len(runs) != 0 {
		t.Errorf("Expected no runs recorded, got %d", len(runs))
	}

	a.recordUnstarted(runstate.OperationRepoint, "listings-v2", false, errors.New("cluster red"))
	run, ok := a.history.LastRun(runstate.OperationRepoint)
	require.True(t, ok)
	assert.Equal(t, "listings-v2", run.Target)
	assert.Equal(t, runstate.StatusFailed, run.Status)
	assert.Equal(t, "cluster red", run.Error)
	assert.False(t, run.FinishedAt.IsZero())
}

func TestRecordUnstarted_RepointRefusedBeforeBuild(t *testing.T) {
	ctx := context.Background()
	engine, err := search.NewEngine("")
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	def, _, err := mapping.Load("properties", 1)
	require.NoError(t, err)

	a := &app{store: engine, history: runstate.NewStateManager("", 10)}
	manager := lifecycle.NewManager(engine, lifecycle.Family{Name: "properties", AllAlias: "properties"})
	noop := func(ctx context.Context, index string) error { return nil }
	_, err = manager.Repoint(ctx, def, 1, noop, lifecycle.RepointOptions{})
	require.NoError(t, err)

	// Rebuilding the bound version is refused before the build starts
	started := false
	rebuild := func(ctx context.Context, index string) error {
		started = true
		return nil
	}
	_, err = manager.Repoint(ctx, def, 1, rebuild, lifecycle.RepointOptions{Force: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, lifecycle.ErrVersionBound))
	a.recordUnstarted(runstate.OperationBuildProperties, lifecycle.IndexName("properties", 1), started, err)

	assert.False(t, started)
	run, ok := a.history.LastRun(runstate.OperationBuildProperties)
	require.True(t, ok, "Expected the refused build to be in the history")
	assert.Equal(t, "properties-v1", run.Target)
	assert.Equal(t, runstate.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "bound")
}
