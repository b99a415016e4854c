package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveSubmitted("analysis", "high")
	r.ObserveSubmitted("analysis", "high")
	r.ObserveCompleted("agent-1", true, 50*time.Millisecond)
	r.ObserveCompleted("agent-1", false, 10*time.Millisecond)
	r.IncRequeued()
	r.IncBreakerOpen("agent-1")
	r.SetQueueDepth(3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.tasksSubmitted.WithLabelValues("analysis", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasksCompleted.WithLabelValues("agent-1", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasksCompleted.WithLabelValues("agent-1", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasksRequeued))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerOpens.WithLabelValues("agent-1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.pendingTasks))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.executingTasks))
}

func TestSeparateRegistries(t *testing.T) {
	a := NewRecorder(prometheus.NewRegistry())
	b := NewRecorder(prometheus.NewRegistry())

	a.IncRequeued()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.tasksRequeued))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.tasksRequeued))
}
