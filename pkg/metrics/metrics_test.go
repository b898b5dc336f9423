package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionMetrics(t *testing.T) {
	ConnectionsTotal.Reset()
	ConnectionsCurrent.Reset()
	AuthenticationAttempts.Reset()

	ConnectionsTotal.WithLabelValues("pop3").Inc()
	ConnectionsTotal.WithLabelValues("pop3").Inc()
	ConnectionsCurrent.WithLabelValues("pop3").Inc()
	ConnectionsCurrent.WithLabelValues("pop3").Dec()
	AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()

	if got := testutil.ToFloat64(ConnectionsTotal.WithLabelValues("pop3")); got != 2 {
		t.Errorf("connections total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("pop3")); got != 0 {
		t.Errorf("connections current = %v, want 0", got)
	}
	if got := testutil.ToFloat64(AuthenticationAttempts.WithLabelValues("pop3", "failure")); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}
}

func TestCommandMetrics(t *testing.T) {
	CommandsTotal.Reset()
	CommandDuration.Reset()

	CommandsTotal.WithLabelValues("pop3", "RETR", "success").Inc()
	CommandsTotal.WithLabelValues("pop3", "RETR", "failure").Inc()
	CommandDuration.WithLabelValues("pop3", "RETR").Observe(0.002)

	if got := testutil.ToFloat64(CommandsTotal.WithLabelValues("pop3", "RETR", "success")); got != 1 {
		t.Errorf("RETR successes = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(CommandDuration); got != 1 {
		t.Errorf("command duration series = %d, want 1", got)
	}
}

func TestMetricNamesArePrefixed(t *testing.T) {
	collectors := []prometheus.Collector{
		ConnectionsTotal, ConnectionsCurrent, ConnectionsRejected, AuthenticatedConnectionsCurrent,
		ConnectionDuration, AuthenticationAttempts, CommandsTotal, CommandDuration, BytesRetrieved,
		MessagesExpunged, MessagesAppended, BodiesPurged, DBQueriesTotal, DBQueryDuration,
		StorageOperationsTotal, StorageOperationDuration, StorageOperationErrors,
		CacheOperationsTotal, CacheSizeBytes, CacheObjectsTotal,
		AccountsTotal, MessagesTotal, StoredBytesTotal,
	}

	for _, c := range collectors {
		descs := make(chan *prometheus.Desc, 10)
		c.Describe(descs)
		close(descs)
		for d := range descs {
			if !strings.Contains(d.String(), `fqName: "maildrop_`) {
				t.Errorf("metric not prefixed with maildrop_: %s", d.String())
			}
		}
	}
}
