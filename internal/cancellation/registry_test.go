package cancellation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCancellationLifecycle(t *testing.T) {
	registry := NewRegistry()

	assert.False(t, registry.RequestCancellation("job-1"), "unknown job must not be signalled")

	token, err := registry.Register(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, token.Cancelled())
	assert.Nil(t, token.Cause())

	assert.True(t, registry.RequestCancellation("job-1"))
	assert.True(t, token.Cancelled())
	assert.ErrorIs(t, token.Cause(), ErrCancelRequested)
	assert.ErrorIs(t, token.Context().Err(), context.Canceled)

	assert.True(t, registry.Deregister("job-1", token))
	assert.Equal(t, 0, registry.Len())
	assert.False(t, registry.RequestCancellation("job-1"))
}

func TestRegistryDeregisterWithoutRequest(t *testing.T) {
	registry := NewRegistry()
	token, err := registry.Register(context.Background(), "job-1")
	require.NoError(t, err)

	assert.False(t, registry.Deregister("job-1", token))
	assert.True(t, token.Cancelled(), "deregistered token context is released")
}

func TestRegistryRejectsDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()
	first, err := registry.Register(context.Background(), "job-1")
	require.NoError(t, err)

	_, err = registry.Register(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	stale := &Token{jobID: "job-1"}
	assert.False(t, registry.Deregister("job-1", stale))
	assert.Equal(t, 1, registry.Len())
	registry.Deregister("job-1", first)
}

func TestRegistryCloseCancelsLiveTokens(t *testing.T) {
	registry := NewRegistry()
	token, err := registry.Register(context.Background(), "job-1")
	require.NoError(t, err)

	registry.Close()

	assert.True(t, token.Cancelled())
	assert.ErrorIs(t, token.Cause(), ErrShutdown)

	_, err = registry.Register(context.Background(), "job-2")
	assert.ErrorIs(t, err, ErrClosed)

	assert.False(t, registry.Deregister("job-1", token), "shutdown is not a user request")
}

func TestRegistryExactlyOneSideObservesRequest(t *testing.T) {
	for i := 0; i < 200; i++ {
		registry := NewRegistry()
		token, err := registry.Register(context.Background(), "job")
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			signalled bool
			requested bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			signalled = registry.RequestCancellation("job")
		}()
		go func() {
			defer wg.Done()
			requested = registry.Deregister("job", token)
		}()
		wg.Wait()

		// Either the request landed before deregistration (executor sees it)
		// or it found nothing registered (canceller handles it alone).
		assert.Equal(t, signalled, requested)
	}
}
