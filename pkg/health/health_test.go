package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type statusBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func get(t *testing.T, fn http.HandlerFunc) (int, statusBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	fn(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestReadiness_Thresholds(t *testing.T) {
	h := New()
	h.Add(Check{Name: "postgres", Kind: Readiness, Func: PingCheck(pinger{err: errors.New("connection refused")})})
	h.SetReady(true)

	s := h.checks[0]
	ctx := context.Background()
	s.run(ctx)
	s.run(ctx)
	assert.True(t, h.IsReady(), "two failures stay under the threshold")

	s.run(ctx)
	assert.False(t, h.IsReady())

	code, body := get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "connection refused", body.Checks["postgres"])

	s.Func = PingCheck(pinger{})
	s.run(ctx)
	assert.True(t, h.IsReady())
}

func TestReadiness_Manual(t *testing.T) {
	h := New()
	code, body := get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", body.Checks["server"])

	h.SetReady(true)
	code, body = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Checks)
}

func TestLiveness_IgnoresReadiness(t *testing.T) {
	h := New()
	h.Add(Check{Name: "smtp", Kind: Readiness, FailureThreshold: 1, Func: PingCheck(pinger{err: errors.New("dial tcp: timeout")})})
	h.Add(Check{Name: "goroutines", Kind: Liveness, Func: GoroutineCountCheck(1 << 20)})
	for _, s := range h.checks {
		s.run(context.Background())
	}

	code, body := get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)

	code, _ = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestGoroutineCountCheck(t *testing.T) {
	require.NoError(t, GoroutineCountCheck(1<<20)(context.Background()))
	require.Error(t, GoroutineCountCheck(0)(context.Background()))
}

func TestRun(t *testing.T) {
	var calls atomic.Int32
	h := New()
	h.Add(Check{Name: "counter", Kind: Liveness, Func: func(context.Context) error {
		calls.Add(1)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCheck_Timeout(t *testing.T) {
	h := New()
	h.Add(Check{
		Name:             "slow",
		Kind:             Readiness,
		Timeout:          10 * time.Millisecond,
		FailureThreshold: 1,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	h.SetReady(true)
	h.checks[0].run(context.Background())
	assert.False(t, h.IsReady())
}
