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

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveJob("fuse", "completed", 2*time.Second)
	m.ObserveJob("fuse", "completed", time.Second)
	m.ObserveFrame("aligned", "", 12)
	m.ObserveFrame("fallback", "degenerate", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobs.WithLabelValues("fuse", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues("fallback", "degenerate")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.inliers))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveJob("fuse", "failed", time.Second)
	m.ObserveFrame("aligned", "", 4)
	h := m.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ObserveJob("scan", "completed", time.Millisecond)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `burstfuse_jobs_total{status="completed",type="scan"} 1`), string(body))
}
