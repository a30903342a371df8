package wallet

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"avantemaps.app/internal/obs"
)

const (
	defaultInitTimeout = 5 * time.Second
	defaultMaxAttempts = 3
)

// DialFunc obtains a fresh SDK instance; the caller wires in whatever
// transport binding it uses (see PiSDK).
type DialFunc func(ctx context.Context) (SDK, error)

// Loader guarantees the SDK is dialled and initialized at most once
// process-wide. Concurrent callers share a single in-flight attempt; a failed
// attempt is retried on the next call with exponential backoff, up to a cap.
type Loader struct {
	dial        DialFunc
	opts        InitOptions
	timeout     time.Duration
	maxAttempts int
	backoff     func(attempt int) time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	sdk         SDK
	initialized bool
	attempts    int
	inflight    *initAttempt
}

type initAttempt struct {
	done chan struct{}
	ok   bool
	err  error
}

// LoaderOption configures Loader behavior.
type LoaderOption func(*Loader)

// WithInitTimeout bounds a single load+init attempt.
func WithInitTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithMaxAttempts caps the number of init attempts before failing terminally.
func WithMaxAttempts(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithBackoff overrides the delay applied before retry attempts.
func WithBackoff(fn func(attempt int) time.Duration) LoaderOption {
	return func(l *Loader) {
		if fn != nil {
			l.backoff = fn
		}
	}
}

// NewLoader constructs a Loader around the given dialer.
func NewLoader(dial DialFunc, opts InitOptions, options ...LoaderOption) *Loader {
	l := &Loader{
		dial:        dial,
		opts:        opts,
		timeout:     defaultInitTimeout,
		maxAttempts: defaultMaxAttempts,
		backoff: func(attempt int) time.Duration {
			return time.Duration(float64(time.Second) * math.Pow(1.5, float64(attempt)))
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// IsInitialized reports whether the SDK is ready. Synchronous, no side effects.
func (l *Loader) IsInitialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized
}

// SDK returns the initialized SDK instance.
func (l *Loader) SDK() (SDK, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sdk, l.initialized
}

// Initialize makes sure the SDK is loaded and initialized. It is idempotent:
// once initialized it returns (true, nil) immediately, and while an attempt
// is in flight every caller waits on that same attempt. A recoverable failed
// attempt returns (false, nil) so probing callers can retry later; once the
// attempt cap is exceeded the error is terminal.
func (l *Loader) Initialize(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.initialized {
		l.mu.Unlock()
		return true, nil
	}
	if att := l.inflight; att != nil {
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-att.done:
			return att.ok, att.err
		}
	}
	if l.attempts >= l.maxAttempts {
		l.mu.Unlock()
		return false, ErrInitFailed
	}
	att := &initAttempt{done: make(chan struct{})}
	l.inflight = att
	attempt := l.attempts
	l.mu.Unlock()

	att.ok, att.err = l.runAttempt(ctx, attempt)

	l.mu.Lock()
	l.inflight = nil
	l.mu.Unlock()
	close(att.done)

	return att.ok, att.err
}

func (l *Loader) runAttempt(ctx context.Context, attempt int) (bool, error) {
	if attempt > 0 {
		if err := l.sleep(ctx, l.backoff(attempt)); err != nil {
			return false, err
		}
	}
	obs.ObserveSDKInitAttempt()

	// The attempt itself is detached from the caller's context so that one
	// impatient caller cannot poison the shared result for everyone waiting.
	actx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	sdk, err := l.dial(actx)
	if err == nil {
		err = sdk.Init(actx, l.opts)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if err == nil {
		l.sdk = sdk
		l.initialized = true
		obs.LogEvent("sdk.init.ok", map[string]any{"attempt": l.attempts, "sandbox": l.opts.Sandbox})
		return true, nil
	}
	obs.LogEvent("sdk.init.failed", map[string]any{"attempt": l.attempts, "error": err.Error()})
	if l.attempts >= l.maxAttempts {
		return false, fmt.Errorf("%w after %d attempts: %v", ErrInitFailed, l.attempts, err)
	}
	return false, nil
}
