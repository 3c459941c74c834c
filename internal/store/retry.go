package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"time"
)

// RetryStore wraps another Store and retries transient errors with backoff.
// It is configured by the provider; provisioning code never retries on its
// own.
type RetryStore struct {
	inner      Store
	maxRetries int
	backoff    string // "exponential" or "linear"
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRetryStore returns a Store that retries transient errors up to
// maxRetries times.
func NewRetryStore(inner Store, maxRetries int, backoff string) *RetryStore {
	if backoff != "exponential" && backoff != "linear" {
		backoff = "exponential"
	}
	return &RetryStore{
		inner:      inner,
		maxRetries: maxRetries,
		backoff:    backoff,
		sleep:      sleepCtx,
	}
}

func (r *RetryStore) Name() string { return r.inner.Name() }

func (r *RetryStore) Locate(key string) Location { return r.inner.Locate(key) }

// Put and PutIfAbsent buffer the body so a retry can replay it.
func (r *RetryStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	replay, err := newReplayable(body)
	if err != nil {
		return err
	}
	return r.retryOp(ctx, func() error {
		return r.inner.Put(ctx, key, replay.reader(), opts)
	})
}

func (r *RetryStore) PutIfAbsent(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	replay, err := newReplayable(body)
	if err != nil {
		return err
	}
	return r.retryOp(ctx, func() error {
		return r.inner.PutIfAbsent(ctx, key, replay.reader(), opts)
	})
}

func (r *RetryStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	var (
		rc   io.ReadCloser
		meta ObjectMeta
	)
	err := r.retryOp(ctx, func() error {
		var e error
		rc, meta, e = r.inner.Get(ctx, key)
		return e
	})
	return rc, meta, err
}

func (r *RetryStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	var meta ObjectMeta
	err := r.retryOp(ctx, func() error {
		var e error
		meta, e = r.inner.Head(ctx, key)
		return e
	})
	return meta, err
}

func (r *RetryStore) Delete(ctx context.Context, key string) error {
	return r.retryOp(ctx, func() error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *RetryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var items []ObjectInfo
	err := r.retryOp(ctx, func() error {
		var e error
		items, e = r.inner.List(ctx, prefix)
		return e
	})
	return items, err
}

// isTransient reports whether err is worth another attempt. Not-found,
// already-exists and context errors are final.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExists):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (r *RetryStore) retryOp(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		lastErr = op()
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt == r.maxRetries {
			break
		}
		if err := r.sleep(ctx, r.calcBackoff(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func (r *RetryStore) calcBackoff(attempt int) time.Duration {
	const baseDelay = 100 * time.Millisecond
	const maxDelay = 30 * time.Second

	var delay time.Duration
	switch r.backoff {
	case "linear":
		delay = baseDelay * time.Duration(attempt+1)
	default:
		delay = baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	// +/- 25% jitter.
	delay += time.Duration(rand.Int63n(int64(delay/2))) - delay/4
	if delay < 0 {
		delay = baseDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type replayable struct{ data []byte }

func newReplayable(body io.Reader) (*replayable, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return &replayable{data: data}, nil
}

func (r *replayable) reader() io.Reader { return bytes.NewReader(r.data) }
