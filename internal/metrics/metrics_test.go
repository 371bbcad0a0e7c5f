package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peval/pkg/types"
)

func TestBatchCounters(t *testing.T) {
	m := New()
	m.SetPlanned(3)
	m.BatchStarted()
	m.BatchStarted()
	m.BatchDone(4, 100*time.Millisecond, types.Usage{PromptTokens: 10, CompletionTokens: 20}, nil)
	m.BatchDone(4, time.Second, types.Usage{}, errors.New("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.batchesTotal))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.sequencesTotal))
	assert.Equal(t, float64(20), testutil.ToFloat64(m.tokensTotal.WithLabelValues("completion")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.inflightBatches))
	assert.Equal(t, Progress{Planned: 3, Started: 2, Done: 1, Inflight: 1}, m.Progress())
}

func TestRouter(t *testing.T) {
	m := New()
	m.SetPlanned(2)
	m.ObserveRestore(1500 * time.Millisecond)
	h := NewRouter(m)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var p Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, int64(2), p.Planned)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "peval_checkpoint_restore_duration_seconds 1.5")
	assert.Contains(t, body, `peval_http_requests_total{method="GET",path="/progress",status="200"} 1`)
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.SetPlanned(5)
	p := filepath.Join(t.TempDir(), "peval.prom")
	require.NoError(t, m.WriteTextfile(p))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), "peval_predict_batches_planned 5")
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addr, errc, err := Serve(ctx, "127.0.0.1:0", New(), zerolog.Nop())
	require.NoError(t, err)
	resp, err := http.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.HasPrefix(string(b), "ok"))
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
