package runner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// WaitSpec describes a service that must be ready before any unit starts
type WaitSpec struct {
	// URL is polled with GET when http or https; a tcp://host:port URL only
	// has to accept a connection
	URL string
	// Status is the expected HTTP status, default 200
	Status int
	// Timeout defaults to 30s, Interval to 500ms
	Timeout  time.Duration
	Interval time.Duration
}

func (w WaitSpec) withDefaults() WaitSpec {
	if w.Status == 0 {
		w.Status = http.StatusOK
	}
	if w.Timeout <= 0 {
		w.Timeout = 30 * time.Second
	}
	if w.Interval <= 0 {
		w.Interval = 500 * time.Millisecond
	}
	return w
}

// WaitFor polls spec.URL until it is ready. It fails with a *HookError when
// the timeout passes first, or with the context error when ctx ends.
func (e *Executor) WaitFor(ctx context.Context, spec WaitSpec) error {
	spec = spec.withDefaults()

	check, err := readinessCheck(spec)
	if err != nil {
		return &HookError{Stage: StageWaitFor, Command: spec.URL, Err: err}
	}

	logger := e.logger.With(zap.String("url", spec.URL))
	logger.Debug("waiting for service", zap.Duration("timeout", spec.Timeout), zap.Duration("interval", spec.Interval))

	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	ticker := time.NewTicker(spec.Interval)
	defer ticker.Stop()

	for {
		lastErr := check(waitCtx)
		if lastErr == nil {
			logger.Debug("service ready")
			return nil
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return &HookError{
				Stage:   StageWaitFor,
				Command: spec.URL,
				Err:     fmt.Errorf("not ready after %v: %w", spec.Timeout, lastErr),
			}
		case <-ticker.C:
		}
	}
}

func readinessCheck(spec WaitSpec) (func(context.Context) error, error) {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", spec.URL)
	}

	switch u.Scheme {
	case "tcp":
		return func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", u.Host)
			if err != nil {
				return err
			}
			return conn.Close()
		}, nil

	case "http", "https":
		client := &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{DisableKeepAlives: true},
		}
		target := u.String()
		return func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != spec.Status {
				return fmt.Errorf("got status %d, expected %d", resp.StatusCode, spec.Status)
			}
			return nil
		}, nil

	default:
		return nil, fmt.Errorf("unsupported scheme %q (use http, https or tcp)", u.Scheme)
	}
}
