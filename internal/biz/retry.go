package biz

import (
	"context"
	"strings"
	"time"

	pkglog "ProxyLane/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// RetryKind selects how a failed attempt is retried.
type RetryKind int

const (
	NoRetry RetryKind = iota
	FixedDelay
	ExponentialBackoff
)

func (k RetryKind) String() string {
	switch k {
	case FixedDelay:
		return "fixed_delay"
	case ExponentialBackoff:
		return "exponential_backoff"
	default:
		return "no_retry"
	}
}

// RetryStrategy is the outcome of classifying one upstream failure.
type RetryStrategy struct {
	Kind  RetryKind
	Delay time.Duration // FixedDelay
	Base  time.Duration // ExponentialBackoff
	Max   time.Duration // ExponentialBackoff
}

// DelayFor returns the wait before the retry that follows attempt (0-based).
// Exponential delays are min(Base*2^attempt, Max).
func (s RetryStrategy) DelayFor(attempt int) time.Duration {
	switch s.Kind {
	case FixedDelay:
		return s.Delay
	case ExponentialBackoff:
		if attempt < 0 {
			attempt = 0
		}
		if attempt > 20 {
			return s.Max
		}
		d := s.Base << attempt
		if d > s.Max || d <= 0 {
			return s.Max
		}
		return d
	default:
		return 0
	}
}

var (
	signatureMarkers = []string{
		"invalid `signature`",
		"invalid signature",
		"thinking.signature",
		"thinking.thinking",
		"corrupted thought signature",
		"failed to deserialise",
		"thinking block",
		"found `text`",
		"found 'text'",
		"must be `thinking`",
		"must be 'thinking'",
	}
	promptTooLongMarkers = []string{"too long", "exceeds", "limit"}
	validationMarkers    = []string{"validation_required", "verify your account", "validation_url"}
)

func containsAny(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsSignatureError reports a 400 caused by a stale or corrupted thinking block.
func IsSignatureError(status int, text string) bool {
	return status == 400 && containsAny(text, signatureMarkers)
}

// IsPromptTooLong reports a 400 caused by the context window.
func IsPromptTooLong(status int, text string) bool {
	return status == 400 && containsAny(text, promptTooLongMarkers)
}

// IsValidationRequired reports a 403 asking the account owner to verify.
func IsValidationRequired(status int, text string) bool {
	return status == 403 && containsAny(text, validationMarkers)
}

// DetermineRetryStrategy classifies an upstream failure. Status 0 means the
// request never got a response (transport error).
func DetermineRetryStrategy(status int, errorText string, thinkingRetried bool) RetryStrategy {
	switch {
	case status == 400 && !thinkingRetried && IsSignatureError(status, errorText):
		return RetryStrategy{Kind: FixedDelay, Delay: 200 * time.Millisecond}
	case status == 429, status == 503, status == 529, status == 502, status == 504:
		return RetryStrategy{Kind: ExponentialBackoff, Base: time.Second, Max: 8 * time.Second}
	case status == 500:
		return RetryStrategy{Kind: ExponentialBackoff, Base: 500 * time.Millisecond, Max: 4 * time.Second}
	case status == 401:
		// another account, or a refreshed credential, may succeed right away
		return RetryStrategy{Kind: FixedDelay, Delay: 500 * time.Millisecond}
	case status == 0:
		return RetryStrategy{Kind: ExponentialBackoff, Base: 500 * time.Millisecond, Max: 4 * time.Second}
	default:
		// 403 rotates through ShouldRotateAccount; prompt-too-long and the
		// remaining 4xx are the caller's problem.
		return RetryStrategy{Kind: NoRetry}
	}
}

// ShouldRotateAccount reports whether the next attempt must use a different
// account. Capacity errors (5xx) are not the account's fault.
func ShouldRotateAccount(status int) bool {
	switch status {
	case 401, 403, 429:
		return true
	default:
		return false
	}
}

// RetryPolicy executes retry strategies. The sleep function is replaceable so
// tests do not wait in real time.
type RetryPolicy struct {
	log   *pkglog.LogHelper
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a policy that sleeps on the wall clock.
func NewRetryPolicy(logger log.Logger) *RetryPolicy {
	return &RetryPolicy{log: pkglog.NewLogHelper(logger), sleep: sleepContext}
}

// Apply waits for the strategy's delay and reports whether another attempt
// should be made. It returns false for NoRetry, when attempt+1 reaches
// maxAttempts, or when ctx is cancelled while waiting.
func (p *RetryPolicy) Apply(ctx context.Context, s RetryStrategy, attempt, maxAttempts, status int, traceID string) bool {
	if s.Kind == NoRetry || attempt+1 >= maxAttempts {
		return false
	}
	delay := s.DelayFor(attempt)
	p.log.Retry(ctx, attempt, maxAttempts, status, s.Kind.String(), delay, "trace_id", traceID)

	if err := p.sleep(ctx, delay); err != nil {
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
