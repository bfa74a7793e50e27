package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUpdatesSnapshot(t *testing.T) {
	m := NewMetrics()

	m.RecordCall("async")
	m.RecordCall("sync")
	m.RecordAnswer("EOK")
	m.RecordCallLimit()
	m.RecordAutoReply("party")
	m.RecordForgotten()
	m.AddPhonesConnected(3)
	m.AddPhonesConnected(-1)
	m.AddTasksActive(2)
	m.RecordIRQ("delivered")
	m.RecordIRQ("throttled")

	assert.Equal(t, MetricsSnapshot{
		CallsSent:       2,
		AnswersSent:     1,
		CallLimitHits:   1,
		AutoReplies:     1,
		ForgottenCalls:  1,
		PhonesConnected: 2,
		TasksActive:     2,
		IRQDelivered:    1,
		IRQDropped:      1,
	}, m.Snapshot())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("async")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PhonesConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IRQNotifications.WithLabelValues("throttled")))
}

func TestKernelsDoNotShareRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordForgotten()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.ForgottenCalls))
	assert.Zero(t, testutil.ToFloat64(b.ForgottenCalls))
}

func TestTimer(t *testing.T) {
	m := NewMetrics()
	timer := NewTimer(m)
	time.Sleep(time.Millisecond)
	timer.Stop("answer")

	assert.Equal(t, 1, testutil.CollectAndCount(m.WaitDuration, "ipc_wait_duration_seconds"))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/tasks/:id", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	for _, path := range []string{"/tasks/1", "/tasks/2", "/nowhere"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/tasks/:id", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}
