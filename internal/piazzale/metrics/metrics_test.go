package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/cells/{cellNumber}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, name := range []string{"Buca%204", "Buca%205"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cells/"+name, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	m.CellChanged("Buca 4")
	m.RemoteChange()
	m.SetStoreHealthy(true)
	m.SetWSClients(3)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, `piazzale_http_requests_total{code="404",method="GET",route="/api/cells/{cellNumber}"} 2`)
	assert.Contains(t, out, `piazzale_cell_changes_total{origin="local"} 1`)
	assert.Contains(t, out, `piazzale_cell_changes_total{origin="remote"} 1`)
	assert.Contains(t, out, `piazzale_store_healthy 1`)
	assert.Contains(t, out, `piazzale_websocket_clients 3`)
}
