package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type mockStatsProvider struct {
	stats *MetricsStats
	err   error
}

func (m *mockStatsProvider) GetMetricsStats(ctx context.Context) (*MetricsStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

type mockCacheProvider struct {
	objects, size int64
}

func (m *mockCacheProvider) Stats(context.Context) (int64, int64, error) {
	return m.objects, m.size, nil
}

func TestCollectorUpdatesGauges(t *testing.T) {
	AccountsTotal.Set(0)
	MessagesTotal.Set(0)
	StoredBytesTotal.Set(0)
	CacheObjectsTotal.Set(0)

	provider := &mockStatsProvider{
		stats: &MetricsStats{TotalAccounts: 5, TotalMessages: 150, TotalBytes: 4096},
	}
	collector := NewCollector(provider, &mockCacheProvider{objects: 7, size: 700}, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	collector.Start(ctx)

	if got := testutil.ToFloat64(AccountsTotal); got != 5 {
		t.Errorf("accounts = %v, want 5", got)
	}
	if got := testutil.ToFloat64(MessagesTotal); got != 150 {
		t.Errorf("messages = %v, want 150", got)
	}
	if got := testutil.ToFloat64(StoredBytesTotal); got != 4096 {
		t.Errorf("bytes = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(CacheObjectsTotal); got != 7 {
		t.Errorf("cache objects = %v, want 7", got)
	}
}

func TestCollectorWithError(t *testing.T) {
	provider := &mockStatsProvider{err: errors.New("database down")}
	collector := NewCollector(provider, nil, 20*time.Millisecond)

	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	collector.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestNewCollectorDefaultInterval(t *testing.T) {
	collector := NewCollector(&mockStatsProvider{stats: &MetricsStats{}}, nil, 0)
	if collector.interval != 60*time.Second {
		t.Errorf("Expected default interval of 60s, got %v", collector.interval)
	}
}
