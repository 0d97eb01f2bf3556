package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry("test")
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy, "empty registry should be healthy")
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry("test")
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("release_scheduler", func(_ context.Context) Status {
		return Status{Name: "release_scheduler", Healthy: false, Detail: "not running"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name, "name falls back to the registered one")
	assert.Equal(t, "not running", statuses[1].Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry("test")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

func serve(r *Registry, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	r.RegisterRoutes(router)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthHandler(t *testing.T) {
	var running bool
	r := NewRegistry("1.2.3")
	r.Register("release_scheduler", SchedulerCheck(func() bool { return running }))

	w := serve(r, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)

	running = true
	w = serve(r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "release_scheduler", resp.Checks[0].Name)
}

func TestReadiness(t *testing.T) {
	r := NewRegistry("test")
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, serve(r, "/health/live").Code)

	r.SetReady(true)
	assert.True(t, r.Ready())
	assert.Equal(t, http.StatusOK, serve(r, "/health/ready").Code)

	r.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, "/health/ready").Code)
}

func TestDBCheck_Unreachable(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1")
	require.NoError(t, err)
	defer db.Close()

	st := DBCheck(db)(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "database", st.Name)
	assert.NotEmpty(t, st.Detail)
}
