package stats

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// One updater for the whole test: the expvar map name is registered
// process-wide and cannot be reused.
func TestStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	require.NotNil(t, su, "expected StatsUpdater to be non-nil")
	require.NotNil(t, su.updateChan, "expected updateChan to be initialized")

	t.Run("registers the expvar handler", func(t *testing.T) {
		handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
		assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
		assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
	})

	for _, name := range []string{RoomsCreated, ConnectedClients, SyncBroadcasts, UploadsStored, UploadsSwept} {
		su.RegisterMetric(name)
	}

	su.Run()
	t.Cleanup(su.Stop)

	t.Run("counters", func(t *testing.T) {
		su.Incr(RoomsCreated)
		su.Incr(ConnectedClients)
		su.Incr(ConnectedClients)
		su.Decr(ConnectedClients)

		assert.Eventually(t, func() bool {
			return su.vars.Get(RoomsCreated).String() == "1" &&
				su.vars.Get(ConnectedClients).String() == "1"
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("expvar output", func(t *testing.T) {
		rr := httptest.NewRecorder()
		su.expvarHandler(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), RoomsCreated)
		assert.Contains(t, rr.Body.String(), "Uptime")
	})
}
