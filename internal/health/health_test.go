package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.HandlerFunc, method string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, "/healthz", nil)
	w := httptest.NewRecorder()
	h(w, req)

	var resp Response
	if method != http.MethodHead {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestHandlerReturnsStatusOK(t *testing.T) {
	w, _ := serve(t, Handler([]string{"gautschi-cpu"}, "gautschi-cpu"), http.MethodGet)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandlerResponseStructure(t *testing.T) {
	_, resp := serve(t, Handler([]string{"gautschi-cpu", "gautschi-gpu"}, "gautschi-cpu"), http.MethodGet)

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "slurmrun", resp.ServiceName)
	assert.Equal(t, []string{"gautschi-cpu", "gautschi-gpu"}, resp.Clusters)
	assert.Equal(t, "gautschi-cpu", resp.DefaultCluster)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.BuildTime)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotEmpty(t, resp.OS)
	assert.NotEmpty(t, resp.Architecture)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandlerWithoutClusters(t *testing.T) {
	w, resp := serve(t, Handler(nil, ""), http.MethodGet)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, resp.Clusters)
	assert.Contains(t, w.Body.String(), `"clusters":[]`)
	assert.NotContains(t, w.Body.String(), "default_cluster")
}

func TestHandlerCopiesClusterList(t *testing.T) {
	ids := []string{"a"}
	h := Handler(ids, "")
	ids[0] = "mutated"

	_, resp := serve(t, h, http.MethodGet)
	assert.Equal(t, []string{"a"}, resp.Clusters)
}

func TestHandlerHTTPMethod(t *testing.T) {
	h := Handler([]string{"gautschi-cpu"}, "")

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			w, _ := serve(t, h, method)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}
