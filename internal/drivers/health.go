package drivers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HealthPolicy bounds health-check retries.
type HealthPolicy struct {
	Retries         int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultHealthPolicy is used when the station config leaves health unset.
var DefaultHealthPolicy = HealthPolicy{Retries: 5, InitialInterval: 2 * time.Second, MaxInterval: 30 * time.Second}

func (p HealthPolicy) withDefaults() HealthPolicy {
	if p.Retries <= 0 {
		p.Retries = DefaultHealthPolicy.Retries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultHealthPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultHealthPolicy.MaxInterval
	}
	return p
}

// HealthError reports a check that never passed.
type HealthError struct {
	Check    string
	Attempts int
	Err      error
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("health check %s failed after %d attempts: %v", e.Check, e.Attempts, e.Err)
}

func (e *HealthError) Unwrap() error { return e.Err }

// waitHealthy retries probe with exponential backoff until it succeeds, the
// policy's retries run out, or within elapses. A probe may return
// backoff.Permanent to stop early.
func waitHealthy(ctx context.Context, env *Env, check string, within time.Duration, probe func(ctx context.Context) error) error {
	p := env.Health.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempts := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.Retries + 1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			env.logger().Debug("health check not ready", map[string]interface{}{
				"check": check, "attempt": attempts, "retry_in_ms": next.Milliseconds(), "error": err.Error(),
			})
			env.Log("waiting for %s: %v", check, err)
		}),
	}
	if within > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(within))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, probe(ctx)
	}, opts...)
	if err == nil {
		env.logger().Info("health check passed", map[string]interface{}{"check": check, "attempts": attempts})
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &HealthError{Check: check, Attempts: attempts, Err: err}
}

// httpProbe passes when url answers below 500. ok, when set, replaces the
// status test.
func httpProbe(env *Env, method, url string, header http.Header, ok func(status int) bool) func(ctx context.Context) error {
	if ok == nil {
		ok = func(status int) bool { return status < 500 }
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := env.httpClient().Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if !ok(resp.StatusCode) {
			return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
		}
		return nil
	}
}
