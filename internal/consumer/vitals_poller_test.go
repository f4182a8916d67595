package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dreamgate/internal/models"
)

type fakeVitalsProvider struct {
	mu        sync.Mutex
	snapshots []*models.VitalsSnapshot
	err       error
	calls     int
}

func (f *fakeVitalsProvider) GetCurrentVitals(ctx context.Context) (*models.VitalsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.snapshots) == 0 {
		return &models.VitalsSnapshot{}, nil
	}
	snap := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return snap, nil
}

func intPtr(v int) *int { return &v }

func TestVitalsPoller_PublishesSnapshots(t *testing.T) {
	provider := &fakeVitalsProvider{
		snapshots: []*models.VitalsSnapshot{
			{HeartRate: intPtr(58), Timestamp: time.Now()},
		},
	}
	poller := NewVitalsPoller(provider, 5*time.Millisecond, zap.NewNop())

	var mu sync.Mutex
	var received []*models.VitalsSnapshot
	poller.Subscribe(func(snap *models.VitalsSnapshot) {
		mu.Lock()
		received = append(received, snap)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = poller.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, received)
	assert.Equal(t, 58, *received[0].HeartRate)
}

// 空快照也要投递：订阅方据此把置信度降为 0，而不是停在上一个读数
func TestVitalsPoller_DeliversEmptySnapshots(t *testing.T) {
	provider := &fakeVitalsProvider{} // 始终返回空快照
	poller := NewVitalsPoller(provider, 5*time.Millisecond, zap.NewNop())

	var mu sync.Mutex
	var received []*models.VitalsSnapshot
	poller.Subscribe(func(snap *models.VitalsSnapshot) {
		mu.Lock()
		received = append(received, snap)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = poller.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for _, snap := range received {
		require.NotNil(t, snap)
		assert.True(t, snap.IsEmpty())
	}
}

func TestVitalsPoller_DeliversEmptySnapshotOnError(t *testing.T) {
	provider := &fakeVitalsProvider{err: errors.New("wearable unreachable")}
	poller := NewVitalsPoller(provider, 5*time.Millisecond, zap.NewNop())

	var mu sync.Mutex
	var received []*models.VitalsSnapshot
	poller.Subscribe(func(snap *models.VitalsSnapshot) {
		mu.Lock()
		received = append(received, snap)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = poller.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return provider.calls >= 3
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, received)
	for _, snap := range received {
		assert.True(t, snap.IsEmpty())
		assert.False(t, snap.Timestamp.IsZero())
	}
}
