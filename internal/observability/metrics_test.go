package observability

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EnvelopeSent("offer", nil)
	m.EnvelopeReceived("offer")
	m.EnvelopeDropped("self")
	m.LinkTransition("connected")
	m.LinkOpened()
	m.LinkClosed()
	m.StaleNegotiation("answer")
	m.StoreError("join")
	m.RelayClientConnected()
	m.RelayClientDisconnected()
	m.RelayFrame("publish", "ok")
}

func TestEnvelopeSent(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.EnvelopeSent("offer", nil)
	m.EnvelopeSent("offer", nil)
	m.EnvelopeSent("answer", errors.New("relay down"))

	expected := `
		# HELP voicelink_envelopes_sent_total Total number of signaling envelopes published by type and status
		# TYPE voicelink_envelopes_sent_total counter
		voicelink_envelopes_sent_total{status="error",type="answer"} 1
		voicelink_envelopes_sent_total{status="ok",type="offer"} 2
	`
	if err := testutil.CollectAndCompare(m.EnvelopesSent, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestLiveLinks(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.LinkOpened()
	m.LinkOpened()
	m.LinkClosed()

	if got := testutil.ToFloat64(m.LiveLinks); got != 1 {
		t.Errorf("Expected 1 live link, got %v", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not collide when each has its own registry.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())
	a.StoreError("join")

	if got := testutil.ToFloat64(a.StoreErrors.WithLabelValues("join")); got != 1 {
		t.Errorf("Expected 1 store error, got %v", got)
	}
	if count := testutil.CollectAndCount(b.StoreErrors); count != 0 {
		t.Errorf("Expected no series on second registry, got %d", count)
	}
}
