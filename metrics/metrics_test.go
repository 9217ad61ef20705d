package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordJob(t *testing.T) {
	m := New()

	m.RecordJob("node", "buffered", "success", 150*time.Millisecond)
	m.RecordJob("node", "buffered", "success", 50*time.Millisecond)
	m.RecordJob("python", "streaming", "timeout", 30*time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(m.JobsTotal.WithLabelValues("node", "buffered", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.JobsTotal.WithLabelValues("python", "streaming", "timeout")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(m.JobDuration))
}

func TestRecordPullAndRejections(t *testing.T) {
	m := New()

	m.RecordPull(nil, time.Second)
	m.RecordPull(errors.New("manifest unknown"), time.Second)
	m.RecordRejectedJob("PullError")

	assert.Equal(t, 2, testutil.CollectAndCount(m.PullDuration))
	assert.InDelta(t, 1, testutil.ToFloat64(m.JobsRejected.WithLabelValues("PullError")), 0)
}

func TestObserveSessions(t *testing.T) {
	m := New()
	connected := 3
	m.ObserveSessions(func() int { return connected })

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "runbox_session_connected" {
			found = true
			assert.InDelta(t, 3, f.GetMetric()[0].GetGauge().GetValue(), 0)
		}
	}
	assert.True(t, found)
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/languages", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/languages", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.InDelta(t, 1, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/languages", "GET", "200")), 0)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "runbox_http_requests_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
