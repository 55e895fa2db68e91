package metric_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/promptlab/internal/metric"
)

func constPlugin(id string, category metric.Category, isDefault bool, value any) metric.Plugin {
	return metric.NewFuncPlugin(
		metric.Info{ID: id, Name: id, Category: category, Default: isDefault},
		func(string, metric.Input) (any, error) { return value, nil },
	)
}

func ids(plugins []metric.Plugin) []string {
	out := make([]string, len(plugins))
	for i, p := range plugins {
		out[i] = p.Info().ID
	}
	return out
}

func TestRegistryRoundTrip(t *testing.T) {
	reg := metric.NewRegistry()
	reg.Register(constPlugin("a", metric.CategoryBasic, false, 1))
	assert.True(t, reg.Has("a"))

	reg.Unregister("a")
	assert.False(t, reg.Has("a"))
	assert.Empty(t, reg.GetAll())
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	reg := metric.NewRegistry()
	reg.Register(constPlugin("a", metric.CategoryBasic, true, 1))
	reg.Register(constPlugin("a", metric.CategoryReference, false, 2))

	all := reg.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, metric.CategoryReference, all[0].Info().Category)
	assert.False(t, reg.IsDefault("a"))

	v, err := all[0].Calculate(context.Background(), "", metric.Input{})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestRegistryQueries(t *testing.T) {
	reg := metric.NewRegistry()
	reg.Register(constPlugin("c", metric.CategoryBasic, true, 0))
	reg.Register(constPlugin("a", metric.CategoryBasic, false, 0))
	reg.Register(constPlugin("b", metric.CategoryReference, true, 0))

	assert.Equal(t, []string{"a", "b", "c"}, ids(reg.GetAll()))
	assert.Equal(t, []string{"a", "c"}, ids(reg.GetByCategory(metric.CategoryBasic)))
	assert.Equal(t, []string{"b", "c"}, ids(reg.GetDefaults()))

	require.NoError(t, reg.SetDefault("a"))
	reg.RemoveDefault("c")
	assert.Equal(t, []string{"a", "b"}, ids(reg.GetDefaults()))
	assert.ErrorIs(t, reg.SetDefault("zzz"), metric.ErrPluginNotFound)

	require.NoError(t, reg.Disable("b"))
	assert.False(t, reg.IsEnabled("b"))
	assert.Equal(t, []string{"a"}, ids(reg.GetDefaults()))
	reg.Enable("b")
	assert.True(t, reg.IsEnabled("b"))

	reg.Clear()
	assert.Zero(t, reg.Len())
	assert.Empty(t, reg.GetDefaults())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := metric.NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			reg.Register(constPlugin(fmt.Sprintf("p%d", i%5), metric.CategoryBasic, i%2 == 0, i))
		}(i)
		go func() {
			defer wg.Done()
			_ = reg.GetAll()
			_ = reg.GetDefaults()
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, reg.Len())
}

func TestBuiltinsRegistered(t *testing.T) {
	reg := metric.NewRegistry()
	metric.RegisterBuiltins(reg)

	for _, id := range []string{
		metric.IDWordCount, metric.IDCharCount, metric.IDSentenceCount, metric.IDFlesch, metric.IDSentiment,
		metric.IDKeywordMatch, metric.IDPrecision, metric.IDRecall, metric.IDF1, metric.IDBLEU, metric.IDJSONValid,
	} {
		assert.True(t, reg.Has(id), id)
	}
	assert.Equal(t,
		[]string{metric.IDFlesch, metric.IDSentenceCount, metric.IDSentiment, metric.IDWordCount},
		ids(reg.GetDefaults()))

	for _, p := range reg.GetByCategory(metric.CategoryReference) {
		assert.True(t, p.Info().RequiresInput)
		assert.Equal(t, metric.InputReference, p.Info().InputKind)
	}
}
