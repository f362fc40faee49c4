package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectorGauge(t *testing.T) {
	before := testutil.ToFloat64(connectorsConnected)
	ConnectorConnected()
	if got := testutil.ToFloat64(connectorsConnected); got != before+1 {
		t.Fatalf("expected gauge incremented, got %v want %v", got, before+1)
	}
	ConnectorDisconnected()
	if got := testutil.ToFloat64(connectorsConnected); got != before {
		t.Fatalf("expected gauge restored, got %v want %v", got, before)
	}
}

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(modelRequests.WithLabelValues("m1", "ok"))
	RecordRequest("m1", "ok", true, 50*time.Millisecond)
	if got := testutil.ToFloat64(modelRequests.WithLabelValues("m1", "ok")); got != before+1 {
		t.Fatalf("expected counter incremented, got %v want %v", got, before+1)
	}
}

func TestInFlightGauge(t *testing.T) {
	before := testutil.ToFloat64(inFlightRequests)
	RequestStarted()
	if got := testutil.ToFloat64(inFlightRequests); got != before+1 {
		t.Fatalf("expected in-flight gauge incremented, got %v", got)
	}
	RequestFinished()
	if got := testutil.ToFloat64(inFlightRequests); got != before {
		t.Fatalf("expected in-flight gauge restored, got %v", got)
	}
}
