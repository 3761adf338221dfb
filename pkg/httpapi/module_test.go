package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"careledger/pkg/config"
	"careledger/pkg/health"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func get(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestRoutes(t *testing.T) {
	r := NewEngine(&config.Config{AppEnv: "test"})
	RegisterRoutes(r, health.ProvideHealth(health.HealthParams{}))

	w := get(r, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"healthy"`)

	require.Equal(t, http.StatusOK, get(r, http.MethodHead, "/healthz").Code)
	require.Equal(t, http.StatusOK, get(r, http.MethodGet, "/readyz").Code)

	w = get(r, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")

	w = get(r, http.MethodGet, "/nope")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), `"code":"NOT_FOUND"`)
}
