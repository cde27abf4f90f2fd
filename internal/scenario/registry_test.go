package scenario_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/streamharness/internal/scenario"
)

func noop(context.Context, *scenario.Env) error { return nil }

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := scenario.NewRegistry()
	require.NoError(t, r.Register(scenario.Scenario{Name: "b", Run: noop}))
	require.NoError(t, r.Register(scenario.Scenario{Name: "a", Description: "first", NeedsUser: true, Run: noop}))

	s, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, "first", s.Description)

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, scenario.ErrUnknownScenario)
	assert.ErrorContains(t, err, `"missing" is not registered`)

	assert.Equal(t, []scenario.Info{
		{Name: "a", Description: "first", NeedsUser: true},
		{Name: "b"},
	}, r.List())
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestRegistryRejectsDuplicatesAndIncomplete(t *testing.T) {
	r := scenario.NewRegistry()
	require.NoError(t, r.Register(scenario.Scenario{Name: "a", Run: noop}))
	assert.Error(t, r.Register(scenario.Scenario{Name: "a", Run: noop}))
	assert.Error(t, r.Register(scenario.Scenario{Name: "", Run: noop}))
	assert.Error(t, r.Register(scenario.Scenario{Name: "c"}))
}

func TestBuiltinNames(t *testing.T) {
	assert.Equal(t, []string{
		"autoconfig/full-run",
		"recording/start-stop",
		"replay-buffer/save-and-stop",
		"streaming/record-while-streaming",
		"streaming/start-stop",
	}, scenario.Builtin().Names())
}
