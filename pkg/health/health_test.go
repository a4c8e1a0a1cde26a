package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusAggregation(t *testing.T) {
	m := NewMonitor()
	m.Register(CheckerFunc{ComponentName: "transport", Fn: func() Result {
		return Result{Healthy: true}
	}})
	m.Register(CheckerFunc{ComponentName: "persistence", Fn: func() Result {
		return Result{Healthy: true}
	}})

	healthy, results := m.Status()
	assert.True(t, healthy)
	assert.Len(t, results, 2)
}

func TestHandlerReportsUnhealthy(t *testing.T) {
	m := NewMonitor()
	m.Register(CheckerFunc{ComponentName: "transport", Fn: func() Result {
		return Result{Healthy: false, Message: "broker unreachable"}
	}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker unreachable")
}
