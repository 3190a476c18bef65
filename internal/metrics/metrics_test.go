package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCollector_Observers(t *testing.T) {
	c := NewCollector()

	c.ObserveQuery("calendar", time.Millisecond, nil)
	c.ObserveQuery("calendar", time.Millisecond, errors.New("boom"))
	c.RPCObserve("trip_updates", time.Millisecond, errors.New("timeout"))
	c.RPCConnections(3)
	c.RPCServed("push_realtime", time.Millisecond, errors.New("bad payload"))
	c.PartitionDegraded("rpc")
	c.TripDropped("no_calendar")
	c.Push("fetch_error")
	c.Request(time.Second, 12, nil)

	body := scrape(t, c)
	assert.Contains(t, body, `departures_store_query_errors_total{query="calendar"} 1`)
	assert.Contains(t, body, `departures_rpc_errors_total{method="trip_updates"} 1`)
	assert.Contains(t, body, `departures_rpc_connections 3`)
	assert.Contains(t, body, `authority_rpc_served_errors_total{method="push_realtime"} 1`)
	assert.Contains(t, body, `authority_rpc_served_duration_seconds_count{method="push_realtime"} 1`)
	assert.Contains(t, body, `departures_store_query_duration_seconds_count{query="calendar"} 2`)
	assert.Contains(t, body, `departures_partitions_degraded_total{reason="rpc"} 1`)
	assert.Contains(t, body, `departures_trips_dropped_total{reason="no_calendar"} 1`)
	assert.Contains(t, body, `departures_realtime_pushes_total{outcome="fetch_error"} 1`)
	assert.Contains(t, body, `departures_requests_total{outcome="ok"} 1`)
}
