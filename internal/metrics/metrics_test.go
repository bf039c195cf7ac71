package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExposesMetrics(t *testing.T) {
	c := NewCollector(8.5, 500*time.Millisecond)
	c.PublishesRejected.WithLabelValues("unauthorized").Inc()
	c.StaleResets.Add(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.StaleResets))
	assert.Equal(t, 8.5, testutil.ToFloat64(c.SpeedMps))
	assert.Equal(t, 0.5, testutil.ToFloat64(c.TickInterval))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `tripcast_publishes_rejected_total{reason="unauthorized"} 1`))
}
