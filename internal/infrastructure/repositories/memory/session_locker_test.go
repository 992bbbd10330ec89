package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLocker_Serializes(t *testing.T) {
	locker := NewSessionLocker().(*SessionLocker)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "s1")
	require.NoError(t, err)

	var second atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		u, err := locker.Lock(ctx, "s1")
		if err != nil {
			return
		}
		second.Store(true)
		u()
	}()

	other, err := locker.Lock(ctx, "s2")
	require.NoError(t, err, "other sessions are independent")
	other()

	assert.Never(t, second.Load, 50*time.Millisecond, 10*time.Millisecond)
	unlock()
	unlock()
	<-done
	assert.True(t, second.Load())
	assert.Zero(t, locker.Held())
}

func TestSessionLocker_ContextCancelled(t *testing.T) {
	locker := NewSessionLocker().(*SessionLocker)
	unlock, err := locker.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, locker.Held())
}
