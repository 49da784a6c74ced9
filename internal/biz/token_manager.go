package biz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ProxyLane/internal/conf"
	pkglog "ProxyLane/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/singleflight"
)

// TokenRequest describes what the caller needs a credential for.
type TokenRequest struct {
	RequestType string
	Model       string
	// ForceRotate skips the sticky binding and excludes PreviousAccountID.
	ForceRotate       bool
	PreviousAccountID string
	SessionID         string
	MessageCount      int
	// AllowWait lets cache_first mode wait for a cooling bound account.
	AllowWait bool
}

// TokenLease is the credential handed to a protocol handler for one attempt.
type TokenLease struct {
	AccessToken string
	ProjectID   string
	Email       string
	AccountID   string
	// WaitMs is how long GetToken waited for the account to leave cooldown.
	WaitMs int64
}

// PoolOptions are the tunables of a TokenManager.
type PoolOptions struct {
	QuotaProtection    QuotaProtectionConfig
	Sticky             StickyConfig
	PreferredAccountID string
	MaxRetryAttempts   int
	RefreshSkew        time.Duration
	ShutdownTimeout    time.Duration
	HousekeepingEvery  time.Duration
}

// NewPoolOptions converts the pool configuration section.
func NewPoolOptions(c *conf.Pool) PoolOptions {
	opts := PoolOptions{
		QuotaProtection:   NewQuotaProtectionConfig(c),
		Sticky:            NewStickyConfig(c),
		MaxRetryAttempts:  3,
		RefreshSkew:       5 * time.Minute,
		ShutdownTimeout:   10 * time.Second,
		HousekeepingEvery: 30 * time.Second,
	}
	if c == nil {
		return opts
	}
	opts.PreferredAccountID = c.PreferredAccountID
	if c.MaxRetryAttempts > 0 {
		opts.MaxRetryAttempts = c.MaxRetryAttempts
	}
	if c.RefreshSkew > 0 {
		opts.RefreshSkew = c.RefreshSkew
	}
	if c.ShutdownTimeout > 0 {
		opts.ShutdownTimeout = c.ShutdownTimeout
	}
	return opts
}

type selectionSource int

const (
	sourceRotation selectionSource = iota
	sourcePreferred
	sourceSticky
	sourceRelaxed
)

// accountSet is an immutable snapshot of the pool.
type accountSet struct {
	list    []*AccountRecord
	byID    map[string]*AccountRecord
	byEmail map[string]*AccountRecord
}

func newAccountSet(records []*AccountRecord) *accountSet {
	list := make([]*AccountRecord, 0, len(records))
	for _, r := range records {
		if r != nil && r.ID != "" {
			list = append(list, r)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].SortOrder != list[j].SortOrder {
			return list[i].SortOrder < list[j].SortOrder
		}
		return list[i].ID < list[j].ID
	})
	s := &accountSet{
		list:    list,
		byID:    make(map[string]*AccountRecord, len(list)),
		byEmail: make(map[string]*AccountRecord, len(list)),
	}
	for _, r := range list {
		s.byID[r.ID] = r
		if r.Email != "" {
			s.byEmail[strings.ToLower(r.Email)] = r
		}
	}
	return s
}

// lookup resolves an account id or email.
func (s *accountSet) lookup(key string) *AccountRecord {
	if r, ok := s.byID[key]; ok {
		return r
	}
	return s.byEmail[strings.ToLower(key)]
}

// TokenManager owns the account pool: selection, credential freshness,
// health flags and the background tasks that maintain them.
//
// Reads go through an atomically published accountSet and never block.
// Mutations of one account are serialized by a per-account mutex, then the
// new record is published by copying the set under writeMu.
type TokenManager struct {
	repo      AccountRepo
	refresher TokenRefresher
	projects  ProjectResolver
	breaker   *CircuitBreaker
	sessions  *SessionAffinity
	auditLog  AuditLogger
	log       *pkglog.LogHelper

	accounts atomic.Pointer[accountSet]
	writeMu  sync.Mutex
	locks    sync.Map // account id -> *sync.Mutex
	lastUsed sync.Map // account id -> time.Time
	// account id -> time.Time before which project resolution is not retried
	projectRetry sync.Map
	cursor   atomic.Uint64
	refresh  singleflight.Group

	preferred atomic.Pointer[string]
	quotaCfg  atomic.Pointer[QuotaProtectionConfig]
	stickyCfg atomic.Pointer[StickyConfig]

	refreshSkew      time.Duration
	maxRetryAttempts int
	shutdownTimeout  time.Duration
	housekeepEvery   time.Duration

	pendingMu     sync.Mutex
	pendingReload map[string]struct{}
	pendingDelete map[string]struct{}

	bgMu     sync.Mutex
	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
	closed   bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTokenManager creates an empty pool. Call LoadAccounts or Start to fill it.
// projects and audit may be nil.
func NewTokenManager(opts PoolOptions, repo AccountRepo, refresher TokenRefresher, projects ProjectResolver, breaker *CircuitBreaker, audit AuditLogger, logger log.Logger) *TokenManager {
	bgCtx, cancel := context.WithCancel(context.Background())
	tm := &TokenManager{
		repo:             repo,
		refresher:        refresher,
		projects:         projects,
		breaker:          breaker,
		sessions:         NewSessionAffinity(opts.Sticky.MaxSessions, opts.Sticky.TTL),
		auditLog:         audit,
		log:              pkglog.NewLogHelper(logger),
		refreshSkew:      opts.RefreshSkew,
		maxRetryAttempts: opts.MaxRetryAttempts,
		shutdownTimeout:  opts.ShutdownTimeout,
		housekeepEvery:   opts.HousekeepingEvery,
		pendingReload:    make(map[string]struct{}),
		pendingDelete:    make(map[string]struct{}),
		bgCtx:            bgCtx,
		bgCancel:         cancel,
		now:              time.Now,
		sleep:            sleepContext,
	}
	if tm.breaker == nil {
		tm.breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig(), nil, logger)
	}
	if tm.maxRetryAttempts <= 0 {
		tm.maxRetryAttempts = 3
	}
	if tm.housekeepEvery <= 0 {
		tm.housekeepEvery = 30 * time.Second
	}
	tm.accounts.Store(newAccountSet(nil))
	preferred := opts.PreferredAccountID
	tm.preferred.Store(&preferred)
	qp := opts.QuotaProtection.normalized()
	tm.quotaCfg.Store(&qp)
	sticky := opts.Sticky
	if sticky.Mode == "" {
		sticky = DefaultStickyConfig()
	}
	tm.stickyCfg.Store(&sticky)
	return tm
}

// setClock points every time source of the pool at now.
func (tm *TokenManager) setClock(now func() time.Time) {
	tm.now = now
	tm.sessions.now = now
	tm.breaker.tracker.now = now
}

// Len returns the number of pooled accounts.
func (tm *TokenManager) Len() int {
	return len(tm.accounts.Load().list)
}

// MaxAttempts is the retry budget for one logical request:
// min(MaxRetryAttempts, pool size + 1), but never below 2.
func (tm *TokenManager) MaxAttempts() int {
	n := min(tm.maxRetryAttempts, tm.Len()+1)
	return max(n, 2)
}

// GetToken selects an account for req and returns a fresh credential.
//
// Order: preferred account, live sticky binding, then round-robin over the
// remaining eligible accounts. Accounts whose refresh fails are skipped for
// the rest of the call.
func (tm *TokenManager) GetToken(ctx context.Context, req TokenRequest) (*TokenLease, error) {
	if tm.isClosed() {
		return nil, ErrNoAvailableAccounts("pool is shutting down")
	}
	tm.applyPendingDeletes()

	set := tm.accounts.Load()
	if len(set.list) == 0 {
		return nil, ErrNoAvailableAccounts("the pool is empty")
	}

	excluded := make(map[string]string)
	if req.ForceRotate && req.PreviousAccountID != "" && len(set.list) > 1 {
		if prev := set.lookup(req.PreviousAccountID); prev != nil {
			excluded[prev.ID] = ExcludePrevious
		}
	}

	var (
		refreshErr error
		refreshID  string
	)
	for i := 0; i < len(set.list); i++ {
		acc, waited, source, err := tm.selectAccount(ctx, req, excluded)
		if err != nil {
			if refreshErr != nil && IsNoAvailableAccounts(err) {
				return nil, ErrCredentialRefreshFailed(refreshID, refreshErr)
			}
			return nil, err
		}

		fresh, err := tm.ensureFresh(ctx, acc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			tm.log.Token("credential refresh failed, trying another account",
				"account_id", acc.ID, "email", acc.Email, "error", err)
			excluded[acc.ID] = ExcludeRefreshFailed
			refreshErr, refreshID = err, acc.ID
			if source == sourceSticky {
				tm.sessions.Unbind(req.SessionID)
			}
			continue
		}

		tm.lastUsed.Store(fresh.ID, tm.now())
		if req.SessionID != "" && source != sourcePreferred && tm.stickyCfg.Load().Mode != conf.ModePerformanceFirst {
			tm.sessions.Bind(req.SessionID, fresh.ID, req.MessageCount)
		}

		return &TokenLease{
			AccessToken: fresh.Credential.AccessToken,
			ProjectID:   fresh.ProjectID,
			Email:       fresh.Email,
			AccountID:   fresh.ID,
			WaitMs:      waited.Milliseconds(),
		}, nil
	}

	if refreshErr != nil {
		return nil, ErrCredentialRefreshFailed(refreshID, refreshErr)
	}
	return nil, ErrNoAvailableAccounts("every account failed")
}

func (tm *TokenManager) selectAccount(ctx context.Context, req TokenRequest, excluded map[string]string) (*AccountRecord, time.Duration, selectionSource, error) {
	set := tm.accounts.Load()
	now := tm.now()

	if pid := *tm.preferred.Load(); pid != "" {
		if acc := set.byID[pid]; acc != nil && excluded[pid] == "" && tm.ineligible(acc, req.Model, now) == "" {
			return acc, 0, sourcePreferred, nil
		}
	}

	sticky := tm.stickyCfg.Load()
	if req.SessionID != "" && !req.ForceRotate && sticky.Mode != conf.ModePerformanceFirst {
		if acc, waited, ok, err := tm.stickyAccount(ctx, set, req, sticky, excluded); err != nil {
			return nil, 0, sourceSticky, err
		} else if ok {
			return acc, waited, sourceSticky, nil
		}
	}

	n := len(set.list)
	start := int((tm.cursor.Add(1) - 1) % uint64(n))
	reasons := make(map[string]int)
	var quotaOnly []*AccountRecord
	for i := 0; i < n; i++ {
		acc := set.list[(start+i)%n]
		if r := excluded[acc.ID]; r != "" {
			reasons[r]++
			continue
		}
		r := tm.ineligible(acc, req.Model, now)
		if r == "" {
			return acc, 0, sourceRotation, nil
		}
		reasons[r]++
		if r == ExcludeQuotaProtected {
			quotaOnly = append(quotaOnly, acc)
		}
	}

	// Nothing is eligible. When quota protection is the only thing in the
	// way, serving from the reserve beats failing the request.
	if len(quotaOnly) > 0 && tm.quotaCfg.Load().RelaxOnExhaustion {
		best := quotaOnly[0]
		bestPct, _ := best.Quota.Percentage(req.Model)
		for _, acc := range quotaOnly[1:] {
			if pct, _ := acc.Quota.Percentage(req.Model); pct > bestPct {
				best, bestPct = acc, pct
			}
		}
		tm.log.Quota("quota protection relaxed: every candidate is protected",
			"account_id", best.ID, "model", req.Model, "remaining_pct", bestPct, "candidates", len(quotaOnly))
		return best, 0, sourceRelaxed, nil
	}

	return nil, 0, sourceRotation, ErrNoAvailableAccounts(summarize(n, reasons))
}

func (tm *TokenManager) stickyAccount(ctx context.Context, set *accountSet, req TokenRequest, sticky *StickyConfig, excluded map[string]string) (*AccountRecord, time.Duration, bool, error) {
	b, ok := tm.sessions.Lookup(req.SessionID, req.MessageCount)
	if !ok {
		return nil, 0, false, nil
	}
	acc := set.byID[b.AccountID]
	if acc == nil {
		tm.sessions.Unbind(req.SessionID)
		return nil, 0, false, nil
	}
	if excluded[acc.ID] != "" {
		return nil, 0, false, nil
	}

	reason := tm.ineligible(acc, req.Model, tm.now())
	if reason == "" {
		return acc, 0, true, nil
	}
	if reason != ExcludeRateLimited || sticky.Mode != conf.ModeCacheFirst || !req.AllowWait {
		return nil, 0, false, nil
	}

	wait := tm.breaker.Remaining(acc.ID, req.Model)
	if wait <= 0 || wait > sticky.MaxWait {
		return nil, 0, false, nil
	}
	tm.log.Session("waiting for bound account to leave cooldown",
		"session_id", req.SessionID, "account_id", acc.ID, "wait_ms", wait.Milliseconds())
	if err := tm.sleep(ctx, wait); err != nil {
		return nil, 0, false, err
	}

	acc = tm.accounts.Load().byID[acc.ID]
	if acc == nil || tm.ineligible(acc, req.Model, tm.now()) != "" {
		return nil, 0, false, nil
	}
	return acc, wait, true, nil
}

// ineligible returns why acc cannot serve model right now, or "".
func (tm *TokenManager) ineligible(acc *AccountRecord, model string, now time.Time) string {
	if r := acc.healthReason(now); r != "" {
		return r
	}
	if tm.breaker.IsOpen(acc.ID, model) {
		return ExcludeRateLimited
	}
	if tm.quotaCfg.Load().Blocks(acc, model) {
		return ExcludeQuotaProtected
	}
	return ""
}

// HasAvailableAccount reports whether at least one account could serve model
// without relaxing quota protection.
func (tm *TokenManager) HasAvailableAccount(requestType, model string) bool {
	now := tm.now()
	for _, acc := range tm.accounts.Load().list {
		if tm.ineligible(acc, model, now) == "" {
			return true
		}
	}
	return false
}

func summarize(total int, reasons map[string]int) string {
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, reasons[k]))
	}
	return fmt.Sprintf("%d accounts checked (%s)", total, strings.Join(parts, ", "))
}

// lockAccount serializes read-modify-write cycles on one account.
func (tm *TokenManager) lockAccount(id string) func() {
	v, _ := tm.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// publish replaces (or adds) one record in the live set.
func (tm *TokenManager) publish(rec *AccountRecord) {
	tm.writeMu.Lock()
	defer tm.writeMu.Unlock()

	cur := tm.accounts.Load()
	next := make([]*AccountRecord, 0, len(cur.list)+1)
	replaced := false
	for _, r := range cur.list {
		if r.ID == rec.ID {
			next = append(next, rec)
			replaced = true
			continue
		}
		next = append(next, r)
	}
	if !replaced {
		next = append(next, rec)
	}
	tm.accounts.Store(newAccountSet(next))
}

// unpublish removes accounts from the live set and forgets their bindings.
func (tm *TokenManager) unpublish(ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	tm.writeMu.Lock()
	cur := tm.accounts.Load()
	next := make([]*AccountRecord, 0, len(cur.list))
	for _, r := range cur.list {
		if _, ok := drop[r.ID]; !ok {
			next = append(next, r)
		}
	}
	tm.accounts.Store(newAccountSet(next))
	tm.writeMu.Unlock()

	for id := range drop {
		tm.sessions.UnbindAccount(id)
		tm.lastUsed.Delete(id)
		tm.projectRetry.Delete(id)
		if p := *tm.preferred.Load(); p == id {
			empty := ""
			tm.preferred.Store(&empty)
		}
	}
}

// commit persists rec and publishes it. The in-memory pool is updated even
// when persistence fails; the returned error is then a STORAGE_ERROR.
// The caller must hold the account lock.
func (tm *TokenManager) commit(ctx context.Context, rec *AccountRecord) error {
	var storeErr error
	if tm.repo != nil {
		if err := tm.repo.SaveAccount(ctx, rec); err != nil {
			storeErr = ErrStorage("save account", err)
			tm.log.Errorw("msg", "failed to persist account, keeping in-memory state",
				"account_id", rec.ID, "error", err)
		}
	}
	tm.publish(rec)
	return storeErr
}

// mutate applies fn to a copy of the account and commits it.
func (tm *TokenManager) mutate(ctx context.Context, key string, fn func(*AccountRecord)) (*AccountRecord, error) {
	acc := tm.accounts.Load().lookup(key)
	if acc == nil {
		return nil, ErrAccountNotFound(key)
	}
	unlock := tm.lockAccount(acc.ID)
	defer unlock()

	cur := tm.accounts.Load().byID[acc.ID]
	if cur == nil {
		return nil, ErrAccountNotFound(key)
	}
	next := cur.Clone()
	fn(next)
	return next, tm.commit(ctx, next)
}
