package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New("")
	m.RecordPacketReceived("TEXT")
	m.RecordPacketReceived("TEXT")
	m.RecordRouted("prepared")
	m.RecordMalformed()
	m.RecordOutgoingSent("AUDIO")
	m.RecordOutgoingEvicted("sent")
	m.RecordOutgoingAcked(3)
	m.RecordOutgoingAcked(0)
	m.RecordAudioChunk(true)
	m.RecordAudioChunk(false)
	m.RecordAudioChunk(false)
	m.RecordCancel("hard")

	if got := testutil.ToFloat64(m.PacketsReceived.WithLabelValues("TEXT")); got != 2 {
		t.Fatalf("packets_received{TEXT}=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PacketsMalformed); got != 1 {
		t.Fatalf("packets_malformed=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OutgoingAcked); got != 3 {
		t.Fatalf("outgoing_acked=%v, want 3", got)
	}
	if got := testutil.ToFloat64(m.AudioChunks.WithLabelValues("dropped")); got != 2 {
		t.Fatalf("audio_chunks{dropped}=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Cancellations.WithLabelValues("hard")); got != 1 {
		t.Fatalf("cancellations{hard}=%v, want 1", got)
	}
}

func TestMetrics_StatusIsOneHot(t *testing.T) {
	m := New("test")
	all := []string{"idle", "connecting", "connected"}
	m.SetStatus("connecting", all)
	m.SetStatus("connected", all)

	if got := testutil.ToFloat64(m.Status.WithLabelValues("connected")); got != 1 {
		t.Fatalf("status{connected}=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Status.WithLabelValues("connecting")); got != 0 {
		t.Fatalf("status{connecting}=%v, want 0", got)
	}
}

func TestMetrics_ConnectOnlyObservesSuccess(t *testing.T) {
	m := New("test")
	m.RecordConnect("ok", 200*time.Millisecond)
	m.RecordConnect("failed", time.Second)
	if got := testutil.ToFloat64(m.Connects.WithLabelValues("failed")); got != 1 {
		t.Fatalf("connects{failed}=%v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.ConnectDuration); n != 1 {
		t.Fatalf("connect_duration series=%d, want 1", n)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New("test")
	m.RecordRouted("cancelled")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_packets_routed_total{disposition="cancelled"} 1`) {
		t.Fatalf("metrics output missing routed counter:\n%s", body)
	}
}
