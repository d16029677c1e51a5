package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot() map[string]float64 {
	return map[string]float64{
		NumFinished:   42,
		NumFailed:     3,
		Total:         100,
		Percentage:    42,
		MessagesLeft:  55,
		UploadedFiles: 504,
	}
}

// gathered returns the value of every sample in family name, keyed by the
// first label value.
func gathered(t *testing.T, reg *prometheus.Registry, name string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			key := m.GetLabel()[0].GetValue()
			if g := m.GetGauge(); g != nil {
				out[key] = g.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				out[key] = float64(h.GetSampleCount())
			}
		}
	}
	return out
}

func TestPrometheusSinkReport(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Report(context.Background(), snapshot()))
	got := gathered(t, reg, "objaverse_render_progress")
	assert.Equal(t, 42.0, got[NumFinished])
	assert.Equal(t, 504.0, got[UploadedFiles])

	require.NoError(t, sink.Report(context.Background(), map[string]float64{NumFinished: 43}))
	assert.Equal(t, 43.0, gathered(t, reg, "objaverse_render_progress")[NumFinished])
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	assert.Error(t, err)
}

func TestObserveJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	sink.ObserveJob("success", 12*time.Second)
	sink.ObserveJob("success", 20*time.Second)
	sink.ObserveJob("transient", time.Second)

	got := gathered(t, reg, "objaverse_render_job_duration_seconds")
	assert.Equal(t, 2.0, got["success"])
	assert.Equal(t, 1.0, got["transient"])
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, sink.Report(context.Background(), snapshot()))

	line := buf.String()
	assert.Contains(t, line, "msg=progress")
	assert.Contains(t, line, "num_finished=42")
	assert.Contains(t, line, "num_messages_left=55")
}

type failingSink struct{}

func (failingSink) Report(context.Context, map[string]float64) error {
	return errors.New("sink unreachable")
}

func TestMultiSinkReportsToAllAndJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	m := MultiSink{failingSink{}, rec}

	err := m.Report(context.Background(), snapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink unreachable")

	last, n := rec.Last()
	assert.Equal(t, 1, n)
	assert.Equal(t, 3.0, last[NumFailed])
}

func TestStartServerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Report(context.Background(), snapshot()))

	srv, err := StartServer(0, reg)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", srv.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `objaverse_render_progress{counter="num_finished"} 42`)
}
