package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersExported(t *testing.T) {
	m := New()
	m.Confirmations.Add(2)
	m.ClipsOpened.Add(1)
	m.DebounceCount.Store(7)
	m.SetRecording(true)
	m.UpdateInferLatency(42 * time.Millisecond)

	expected := `
# HELP accident_confirmations_total Confirmed accident events
# TYPE accident_confirmations_total counter
accident_confirmations_total 2
# HELP accident_debounce_count Current debounce counter value
# TYPE accident_debounce_count gauge
accident_debounce_count 7
# HELP accident_recording_active Recording active (0=inactive, 1=active)
# TYPE accident_recording_active gauge
accident_recording_active 1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"accident_confirmations_total", "accident_debounce_count", "accident_recording_active")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), m.InferLatencyMs.Load())
}

func TestServerRoutes(t *testing.T) {
	m := New()
	m.FramesRead.Add(3)

	srv := httptest.NewServer(m.NewServer(":0").Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "accident_frames_read_total 3")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
