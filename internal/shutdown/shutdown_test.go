package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooksRunInPriorityOrder(t *testing.T) {
	m := NewManager(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) Hook {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	m.Register("logs", record("logs"), PriorityLow)
	m.Register("store", record("store"), PriorityNormal)
	m.Register("server", record("server"), PriorityCritical)
	m.Register("bus", record("bus"), PriorityNormal)
	m.Register("scheduler", record("scheduler"), PriorityHigh)

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"server", "scheduler", "store", "bus", "logs"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	m := NewManager(time.Second)
	calls := 0
	m.Register("once", func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	}, PriorityNormal)

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "once: boom")

	assert.Equal(t, err, m.Shutdown())
	assert.Equal(t, 1, calls)
}

func TestHookTimeout(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	m.Register("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	}, PriorityHigh)

	ran := false
	m.Register("after", func(ctx context.Context) error {
		ran = true
		return nil
	}, PriorityLow)

	err := m.Shutdown()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, ran)
}

func TestStopTriggersShutdown(t *testing.T) {
	m := NewManager(time.Second)
	hooked := make(chan struct{})
	m.Register("hook", func(ctx context.Context) error {
		close(hooked)
		return nil
	}, PriorityNormal)

	m.Start(context.Background())
	m.Stop()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	m.Wait()

	<-hooked
	assert.Error(t, m.Context().Err())
	assert.NoError(t, m.Err())
}

func TestContextCancellationTriggersShutdown(t *testing.T) {
	m := NewManager(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	select {
	case <-m.Stopping():
		t.Fatal("stopping before cancel")
	default:
	}

	cancel()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	m.Wait()
}
