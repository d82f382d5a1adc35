package drivers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitHealthyRetriesUntilSuccess(t *testing.T) {
	env := newEnv(t, "", nil, nil, nil)
	var lines []string
	env.Output = func(l string) { lines = append(lines, l) }
	calls := 0
	err := waitHealthy(context.Background(), env, "svc", time.Second, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, lines, 2)
}

func TestWaitHealthyExhaustsRetries(t *testing.T) {
	env := newEnv(t, "", nil, nil, nil)
	err := waitHealthy(context.Background(), env, "svc", time.Second, func(context.Context) error {
		return errors.New("down")
	})
	var he *HealthError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "svc", he.Check)
	assert.Equal(t, env.Health.Retries+1, he.Attempts)
	assert.ErrorContains(t, err, "down")
}

func TestWaitHealthyPermanentStops(t *testing.T) {
	env := newEnv(t, "", nil, nil, nil)
	calls := 0
	err := waitHealthy(context.Background(), env, "proc", time.Second, func(context.Context) error {
		calls++
		return backoff.Permanent(errors.New("exited"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWaitHealthyCancelled(t *testing.T) {
	env := newEnv(t, "", nil, nil, nil)
	env.Health = HealthPolicy{Retries: 50, InitialInterval: 50 * time.Millisecond, MaxInterval: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := waitHealthy(ctx, env, "svc", 0, func(context.Context) error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(503)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Check"))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	env := newEnv(t, "", nil, nil, nil)
	probe := httpProbe(env, http.MethodGet, srv.URL, http.Header{"X-Check": {"yes"}}, nil)
	assert.Error(t, probe(context.Background()))
	status.Store(404)
	assert.NoError(t, probe(context.Background()))

	strict := httpProbe(env, http.MethodGet, srv.URL, http.Header{"X-Check": {"yes"}}, func(s int) bool { return s == 200 })
	assert.Error(t, strict(context.Background()))
}

func TestHealthPolicyDefaults(t *testing.T) {
	assert.Equal(t, DefaultHealthPolicy, HealthPolicy{}.withDefaults())
	p := HealthPolicy{Retries: 1}.withDefaults()
	assert.Equal(t, 1, p.Retries)
	assert.Equal(t, DefaultHealthPolicy.MaxInterval, p.MaxInterval)
}
