package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ProxyLane/internal/conf"
	pkglog "ProxyLane/pkg/log"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// validationBlockFor is how long an account asked to verify itself is parked.
const validationBlockFor = 10 * time.Minute

// UpstreamResponse is what a protocol handler got back from the upstream.
type UpstreamResponse struct {
	Status     int
	RetryAfter string
	Body       []byte
}

// UpstreamCall performs one upstream request with the leased credential.
// A non-nil error means no response was received (transport failure).
type UpstreamCall func(ctx context.Context, lease *TokenLease) (*UpstreamResponse, error)

// DispatchRequest describes one logical client request.
type DispatchRequest struct {
	RequestType  string
	Model        string
	Conversation Conversation
	// SessionID overrides the id derived from Conversation.
	SessionID string
	AllowWait bool
	// Payload is forwarded verbatim to the fallback provider.
	Payload []byte
	// StripThinking rewrites the request without thinking blocks before the
	// content-fix retry. It is called at most once.
	StripThinking func()
}

// DispatchResult is the successful outcome of Do.
type DispatchResult struct {
	Response  *UpstreamResponse
	AccountID string
	Email     string
	Attempts  int
	TraceID   string
	WaitMs    int64
	// Provider is "pool" or the name of the fallback provider.
	Provider string
}

// FallbackProvider is a secondary upstream used when the pool is exhausted.
type FallbackProvider interface {
	Name() string
	Call(ctx context.Context, req *DispatchRequest) (*UpstreamResponse, error)
}

// Decision is the classification of one failed attempt.
type Decision struct {
	MarkRateLimited bool
	MarkForbidden   bool
	// InvalidateCredential drops the rejected access token so the next lease
	// of the account refreshes it first.
	InvalidateCredential bool
	// ValidationBlock is non-zero when the account must be parked.
	ValidationBlock time.Duration
	StripThinking   bool
	PromptTooLong   bool
	Rotate          bool
	Strategy        RetryStrategy
}

// Decide classifies an upstream failure. It has no side effects.
func Decide(status int, body string, thinkingRetried bool) Decision {
	d := Decision{
		Strategy: DetermineRetryStrategy(status, body, thinkingRetried),
		Rotate:   ShouldRotateAccount(status),
	}
	switch {
	case status == 429, status == 529, status == 503, status == 500:
		d.MarkRateLimited = true
	case status == 400 && !thinkingRetried && IsSignatureError(status, body):
		d.StripThinking = true
	case IsPromptTooLong(status, body):
		d.PromptTooLong = true
	case IsValidationRequired(status, body):
		d.ValidationBlock = validationBlockFor
	case status == 403:
		d.MarkForbidden = true
	case status == 401:
		d.InvalidateCredential = true
	}
	if status == 403 {
		// not retried on this account, but the request moves to another one
		d.Strategy = RetryStrategy{Kind: FixedDelay}
	}
	return d
}

type dispatchState int

const (
	stateSelecting dispatchState = iota
	stateCalling
	stateRetrying
	stateSucceeded
	stateExhausted
	stateFailed
)

func (s dispatchState) String() string {
	switch s {
	case stateSelecting:
		return "selecting"
	case stateCalling:
		return "calling"
	case stateRetrying:
		return "retrying"
	case stateSucceeded:
		return "succeeded"
	case stateExhausted:
		return "exhausted"
	default:
		return "failed"
	}
}

// Dispatcher drives one logical request across accounts and retries.
type Dispatcher struct {
	pool     *TokenManager
	retry    *RetryPolicy
	fallback FallbackProvider
	fbBreak  *gobreaker.CircuitBreaker
	log      *pkglog.LogHelper
}

// FallbackOptions configures the fallback circuit.
type FallbackOptions struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// NewFallbackOptions converts the fallback configuration section.
func NewFallbackOptions(c *conf.Upstream) FallbackOptions {
	opts := FallbackOptions{MaxFailures: 5, OpenTimeout: time.Minute}
	if c == nil || c.Fallback == nil {
		return opts
	}
	if c.Fallback.MaxFailures > 0 {
		opts.MaxFailures = c.Fallback.MaxFailures
	}
	if c.Fallback.OpenTimeout > 0 {
		opts.OpenTimeout = c.Fallback.OpenTimeout
	}
	return opts
}

// NewDispatcher creates a dispatcher. fallback may be nil.
func NewDispatcher(pool *TokenManager, retry *RetryPolicy, fallback FallbackProvider, opts FallbackOptions, logger log.Logger) *Dispatcher {
	d := &Dispatcher{
		pool:     pool,
		retry:    retry,
		fallback: fallback,
		log:      pkglog.NewLogHelper(logger),
	}
	if fallback != nil {
		d.fbBreak = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fallback:" + fallback.Name(),
			MaxRequests: 1,
			Timeout:     opts.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= opts.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.log.Pool("fallback circuit changed", "name", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return d
}

// FallbackProber is implemented by fallback providers that can check their
// upstream without sending a request on behalf of a client.
type FallbackProber interface {
	Probe(ctx context.Context) error
}

// FallbackStatus describes the fallback provider for the admin API.
type FallbackStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	// ProbeError is empty when the probe succeeded or was not run.
	ProbeError string `json:"probe_error,omitempty"`
}

// FallbackStatus reports the fallback circuit state, probing the provider
// when it supports it. ok is false when no fallback is configured.
func (d *Dispatcher) FallbackStatus(ctx context.Context) (FallbackStatus, bool) {
	if d.fallback == nil {
		return FallbackStatus{}, false
	}
	st := FallbackStatus{Name: d.fallback.Name(), State: d.fbBreak.State().String()}
	if p, ok := d.fallback.(FallbackProber); ok {
		if err := p.Probe(ctx); err != nil {
			st.ProbeError = err.Error()
		}
	}
	return st, true
}

// dispatchRun is the mutable state of one Do call.
type dispatchRun struct {
	d           *Dispatcher
	req         *DispatchRequest
	call        UpstreamCall
	traceID     string
	sessionID   string
	maxAttempts int

	attempt         int
	lease           *TokenLease
	resp            *UpstreamResponse
	decision        Decision
	thinkingRetried bool
	rotate          bool
	prevAccount     string
	lastStatus      int
	lastError       string
	err             error
	// provider is set when the fallback served the request.
	provider string
}

// Do runs req through the pool until it succeeds, runs out of attempts or
// hits a non-retryable error. It never makes more than MaxAttempts upstream
// calls.
func (d *Dispatcher) Do(ctx context.Context, req *DispatchRequest, call UpstreamCall) (*DispatchResult, error) {
	r := &dispatchRun{
		d:           d,
		req:         req,
		call:        call,
		traceID:     uuid.NewString()[:8],
		sessionID:   req.SessionID,
		maxAttempts: d.pool.MaxAttempts(),
	}
	if r.sessionID == "" {
		r.sessionID = ExtractSessionID(req.Conversation)
	}
	ctx = pkglog.WithRequestContext(ctx, r.traceID, req.Model, r.sessionID)

	state := stateSelecting
	for {
		switch state {
		case stateSelecting:
			state = r.selecting(ctx)
		case stateCalling:
			state = r.calling(ctx)
		case stateRetrying:
			state = r.retrying(ctx)
		case stateSucceeded:
			return r.result(ctx), nil
		case stateExhausted:
			d.log.Errorw("msg", fmt.Sprintf("[%s] all %d attempts failed", r.traceID, r.attempt+1),
				"last_status", r.lastStatus, "model", req.Model)
			return nil, ErrRetryExhausted(r.attempt+1, r.lastStatus, truncate(r.lastError, 1024))
		case stateFailed:
			return nil, r.err
		}
	}
}

func (r *dispatchRun) selecting(ctx context.Context) dispatchState {
	lease, err := r.d.pool.GetToken(ctx, TokenRequest{
		RequestType:       r.req.RequestType,
		Model:             r.req.Model,
		ForceRotate:       r.attempt > 0 && r.rotate,
		PreviousAccountID: r.prevAccount,
		SessionID:         r.sessionID,
		MessageCount:      r.req.Conversation.MessageCount,
		AllowWait:         r.req.AllowWait,
	})
	if err != nil {
		if IsNoAvailableAccounts(err) && r.d.fallback != nil {
			return r.useFallback(ctx, err)
		}
		r.err = err
		return stateFailed
	}
	r.lease = lease
	pkglog.SetAccountID(ctx, lease.AccountID)
	return stateCalling
}

func (r *dispatchRun) calling(ctx context.Context) dispatchState {
	resp, err := r.call(ctx, r.lease)
	if err != nil {
		if ctx.Err() != nil {
			r.err = ctx.Err()
			return stateFailed
		}
		r.lastStatus, r.lastError = 0, err.Error()
		r.decision = Decide(0, r.lastError, r.thinkingRetried)
		return stateRetrying
	}
	if resp.Status >= 200 && resp.Status < 300 {
		r.resp = resp
		return stateSucceeded
	}

	body := string(resp.Body)
	r.lastStatus, r.lastError = resp.Status, body
	r.decision = Decide(resp.Status, body, r.thinkingRetried)
	r.applyMarks(ctx, resp)
	return stateRetrying
}

// applyMarks records the attempt's failure against the leased account.
func (r *dispatchRun) applyMarks(ctx context.Context, resp *UpstreamResponse) {
	pool, acc, dec := r.d.pool, r.lease.AccountID, r.decision
	body := string(resp.Body)

	if dec.MarkRateLimited {
		pool.MarkRateLimited(ctx, acc, resp.Status, resp.RetryAfter, body, r.req.Model)
	}
	if dec.ValidationBlock > 0 {
		if err := pool.SetValidationBlock(ctx, acc, pool.now().Add(dec.ValidationBlock), body); err != nil {
			r.d.log.Errorw("msg", "failed to set validation block", "account_id", acc, "error", err)
		}
	}
	if dec.MarkForbidden {
		if err := pool.SetForbidden(ctx, acc, body); err != nil {
			r.d.log.Errorw("msg", "failed to mark account forbidden", "account_id", acc, "error", err)
		}
	}
	if dec.InvalidateCredential {
		if err := pool.InvalidateCredential(ctx, acc, r.lease.AccessToken); err != nil {
			r.d.log.Errorw("msg", "failed to invalidate credential", "account_id", acc, "error", err)
		}
	}
}

func (r *dispatchRun) retrying(ctx context.Context) dispatchState {
	dec := r.decision
	if dec.PromptTooLong {
		r.err = ErrPromptTooLong(r.lastError)
		return stateFailed
	}
	if dec.StripThinking {
		r.thinkingRetried = true
		if r.req.StripThinking != nil {
			r.req.StripThinking()
		}
		r.d.log.Warnw("msg", fmt.Sprintf("[%s] thinking signature rejected, retrying without thinking blocks", r.traceID),
			"account_id", r.lease.AccountID)
	}

	if !r.d.retry.Apply(ctx, dec.Strategy, r.attempt, r.maxAttempts, r.lastStatus, r.traceID) {
		if ctx.Err() != nil {
			r.err = ctx.Err()
			return stateFailed
		}
		if dec.Strategy.Kind == NoRetry {
			r.d.log.Errorw("msg", fmt.Sprintf("[%s] non-retryable upstream error %d", r.traceID, r.lastStatus),
				"account_id", r.lease.AccountID)
			r.err = ErrUpstream(r.lastStatus, r.lastError)
			return stateFailed
		}
		return stateExhausted
	}

	r.rotate = dec.Rotate
	r.prevAccount = r.lease.AccountID
	r.attempt++
	return stateSelecting
}

func (r *dispatchRun) useFallback(ctx context.Context, poolErr error) dispatchState {
	fb := r.d.fallback
	out, err := r.d.fbBreak.Execute(func() (interface{}, error) {
		resp, err := fb.Call(ctx, r.req)
		if err != nil {
			return nil, err
		}
		if resp.Status >= 500 {
			return resp, fmt.Errorf("fallback %s returned %d", fb.Name(), resp.Status)
		}
		return resp, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.d.log.Pool("fallback circuit open, reporting pool exhaustion", "provider", fb.Name())
			r.err = poolErr
			return stateFailed
		}
		if ctx.Err() != nil {
			r.err = ctx.Err()
			return stateFailed
		}
		status := 0
		if resp, ok := out.(*UpstreamResponse); ok && resp != nil {
			status = resp.Status
		}
		r.err = kerrors.ServiceUnavailable(ReasonNoAvailableAccounts,
			fmt.Sprintf("pool exhausted and fallback %s failed", fb.Name())).
			WithMetadata(map[string]string{"fallback_status": fmt.Sprint(status)}).
			WithCause(err)
		return stateFailed
	}

	resp := out.(*UpstreamResponse)
	r.d.log.Pool("request served by fallback provider", "provider", fb.Name(), "status", resp.Status, "model", r.req.Model)
	if resp.Status < 200 || resp.Status >= 300 {
		r.err = ErrUpstream(resp.Status, string(resp.Body))
		return stateFailed
	}
	r.resp = resp
	r.provider = fb.Name()
	return stateSucceeded
}

func (r *dispatchRun) result(ctx context.Context) *DispatchResult {
	if r.provider != "" {
		return &DispatchResult{
			Response: r.resp,
			Attempts: r.attempt + 1,
			TraceID:  r.traceID,
			Provider: r.provider,
		}
	}
	r.d.pool.MarkAccountSuccess(ctx, r.lease.AccountID, r.req.Model)
	return &DispatchResult{
		Response:  r.resp,
		AccountID: r.lease.AccountID,
		Email:     r.lease.Email,
		Attempts:  r.attempt + 1,
		TraceID:   r.traceID,
		WaitMs:    r.lease.WaitMs,
		Provider:  "pool",
	}
}
