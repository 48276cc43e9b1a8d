package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(EventsTotal.WithLabelValues("drawing", "accepted"))
	EventsTotal.WithLabelValues("drawing", "accepted").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(EventsTotal.WithLabelValues("drawing", "accepted")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	PersistTotal.WithLabelValues("ok").Inc()
	ConnectionsTotal.Set(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{"board_persist_total", "board_connections_total 3"} {
		assert.True(t, strings.Contains(body, name), "missing %q in exposition", name)
	}
}
