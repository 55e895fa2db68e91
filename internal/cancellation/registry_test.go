package cancellation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/promptlab/internal/cancellation"
)

func TestRegistryCancel(t *testing.T) {
	r := cancellation.NewRegistry()
	assert.False(t, r.IsCancelled("job-1"))

	r.Cancel("job-1")
	r.Cancel("job-1")
	assert.True(t, r.IsCancelled("job-1"))
	assert.False(t, r.IsCancelled("job-2"))
	assert.Equal(t, 1, r.Len())

	r.Remove("job-1")
	assert.False(t, r.IsCancelled("job-1"))
	r.Remove("unknown")
	assert.Zero(t, r.Len())
}

func TestRegistryWatch(t *testing.T) {
	r := cancellation.NewRegistry()
	ctx, release := r.Watch(context.Background(), "job-1")
	defer release()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before Cancel")
	default:
	}

	r.Cancel("job-1")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	assert.True(t, cancellation.Cancelled(ctx))
}

func TestRegistryWatchAlreadyCancelled(t *testing.T) {
	r := cancellation.NewRegistry()
	r.Cancel("job-1")

	ctx, release := r.Watch(context.Background(), "job-1")
	defer release()
	require.Error(t, ctx.Err())
	assert.True(t, cancellation.Cancelled(ctx))
}

func TestRegistryWatchParentCancel(t *testing.T) {
	r := cancellation.NewRegistry()
	parent, cancel := context.WithCancel(context.Background())
	ctx, release := r.Watch(parent, "job-1")
	defer release()

	cancel()
	<-ctx.Done()
	assert.False(t, cancellation.Cancelled(ctx), "parent cancellation is not a job cancellation")
}

func TestRegistryReleaseDetaches(t *testing.T) {
	r := cancellation.NewRegistry()
	other, releaseOther := r.Watch(context.Background(), "job-1")
	defer releaseOther()

	ctx, release := r.Watch(context.Background(), "job-1")
	release()
	release()
	assert.False(t, cancellation.Cancelled(ctx))

	r.Cancel("job-1")
	<-other.Done()
	assert.True(t, cancellation.Cancelled(other))
	assert.False(t, cancellation.Cancelled(ctx))
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := cancellation.NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			r.Cancel("job")
		}()
		go func() {
			defer wg.Done()
			_ = r.IsCancelled("job")
		}()
		go func() {
			defer wg.Done()
			_, release := r.Watch(context.Background(), "job")
			release()
		}()
	}
	wg.Wait()
	assert.True(t, r.IsCancelled("job"))
}
