package health

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_HealthAlwaysOK(t *testing.T) {
	s := NewServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestServer_ReadyReflectsComponentHealth(t *testing.T) {
	s := NewServer()
	s.Register("matcher", FuncChecker(func(ctx context.Context) Result {
		return Result{Healthy: true, Message: "cache fresh"}
	}))
	s.Register("subscriber", FuncChecker(func(ctx context.Context) Result {
		return Result{Healthy: false, Message: "circuit open"}
	}))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)

	var report map[string]componentReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report["matcher"].Healthy)
	assert.False(t, report["subscriber"].Healthy)
}

func TestServer_ReadyAllHealthy(t *testing.T) {
	s := NewServer()
	s.Register("matcher", FuncChecker(func(ctx context.Context) Result {
		return Result{Healthy: true}
	}))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestFuncChecker_Type(t *testing.T) {
	c := FuncChecker(func(ctx context.Context) Result { return Result{} })
	assert.Equal(t, CheckTypeInternal, c.Type())
}

func TestFuncChecker_RespectsTimeout(t *testing.T) {
	slow := FuncChecker(func(ctx context.Context) Result {
		select {
		case <-ctx.Done():
			return Result{Healthy: false, Message: "timed out"}
		case <-time.After(time.Second):
			return Result{Healthy: true}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	result := slow.Check(ctx)
	assert.False(t, result.Healthy)
}
