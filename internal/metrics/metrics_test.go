package metrics

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"scanbot/internal/bus"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_SubscribeCountsEvents(t *testing.T) {
	eb := bus.NewEventBus(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	m := New()
	m.Subscribe(eb)

	eb.Emit(bus.Event{Type: bus.EventPipelineCompleted, Duration: 2 * time.Second})
	eb.Emit(bus.Event{Type: bus.EventResultsDelivered, Count: 3})
	eb.Emit(bus.Event{Type: bus.EventAttachmentFailed, Stage: "acquire"})
	eb.Emit(bus.Event{Type: bus.EventAttachmentFailed, Stage: "acquire"})
	eb.Emit(bus.Event{Type: bus.EventPipelineReset})

	if got := testutil.ToFloat64(m.Attachments.WithLabelValues("success", "")); got != 1 {
		t.Errorf("success count = %v", got)
	}
	if got := testutil.ToFloat64(m.Attachments.WithLabelValues("failure", "acquire")); got != 2 {
		t.Errorf("failure count = %v", got)
	}
	if got := testutil.ToFloat64(m.ChunksDelivered); got != 3 {
		t.Errorf("chunks = %v", got)
	}
	if got := testutil.ToFloat64(m.Resets); got != 1 {
		t.Errorf("resets = %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ChunksDelivered.Add(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "scanbot_chunks_delivered_total 2") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}
