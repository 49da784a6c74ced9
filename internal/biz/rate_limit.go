package biz

import (
	"hash/fnv"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	rateLimitShards = 16
	// maxRetryAfter caps upstream supplied delays; anything longer is treated as bogus.
	maxRetryAfter = 24 * time.Hour
)

// RateLimitEntry is the cooldown state of one (account, model) key. An empty
// Model means the whole account is cooling down.
type RateLimitEntry struct {
	AccountID           string    `json:"account_id"`
	Model               string    `json:"model,omitempty"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	BackoffStage        int       `json:"backoff_stage"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	LastError           string    `json:"last_error,omitempty"`
	LastStatus          int       `json:"last_status"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type rateLimitKey struct {
	account string
	model   string
}

type rateLimitShard struct {
	mu      sync.RWMutex
	entries map[rateLimitKey]*RateLimitEntry
}

// RateLimitTracker keeps per-account and per-model cooldowns. Keys are sharded
// by account id so all entries of one account live in the same shard.
type RateLimitTracker struct {
	shards [rateLimitShards]rateLimitShard
	now    func() time.Time
}

// NewRateLimitTracker creates an empty tracker using the wall clock.
func NewRateLimitTracker() *RateLimitTracker {
	t := &RateLimitTracker{now: time.Now}
	for i := range t.shards {
		t.shards[i].entries = make(map[rateLimitKey]*RateLimitEntry)
	}
	return t
}

func (t *RateLimitTracker) shard(accountID string) *rateLimitShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return &t.shards[h.Sum32()%rateLimitShards]
}

// Record registers one failure and returns the resulting entry. Failure N
// (1-based) uses steps[min(N-1, len(steps)-1)]; the cooldown is the longer of
// that step and retryAfter, and never moves backwards.
func (t *RateLimitTracker) Record(accountID, model string, status int, retryAfter time.Duration, errText string, steps []time.Duration) RateLimitEntry {
	if len(steps) == 0 {
		steps = DefaultBackoffSteps()
	}
	key := rateLimitKey{account: accountID, model: normalizeModel(model)}
	now := t.now()

	s := t.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &RateLimitEntry{AccountID: accountID, Model: key.model}
		s.entries[key] = e
	}

	e.ConsecutiveFailures++
	stage := int(e.ConsecutiveFailures) - 1
	if stage > len(steps)-1 {
		stage = len(steps) - 1
	}
	if stage > e.BackoffStage {
		e.BackoffStage = stage
	}

	wait := steps[min(e.BackoffStage, len(steps)-1)]
	if retryAfter > wait {
		wait = retryAfter
	}
	if until := now.Add(wait); until.After(e.CooldownUntil) {
		e.CooldownUntil = until
	}
	e.LastStatus = status
	e.LastError = truncate(errText, 512)
	e.UpdatedAt = now

	return *e
}

// Success drops the model key and the account-level key. It reports whether
// anything was removed.
func (t *RateLimitTracker) Success(accountID, model string) bool {
	s := t.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for _, key := range []rateLimitKey{{accountID, ""}, {accountID, normalizeModel(model)}} {
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			removed = true
		}
	}
	return removed
}

// Remaining returns the longest cooldown left on the account-level or model key.
func (t *RateLimitTracker) Remaining(accountID, model string) time.Duration {
	now := t.now()
	s := t.shard(accountID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var left time.Duration
	keys := []rateLimitKey{{accountID, ""}}
	if m := normalizeModel(model); m != "" {
		keys = append(keys, rateLimitKey{accountID, m})
	}
	for _, key := range keys {
		if e, ok := s.entries[key]; ok {
			if d := e.CooldownUntil.Sub(now); d > left {
				left = d
			}
		}
	}
	return left
}

// Blocked reports whether a cooldown is still running for the account or model.
func (t *RateLimitTracker) Blocked(accountID, model string) bool {
	return t.Remaining(accountID, model) > 0
}

// Clear removes every entry of one account. It reports whether any existed.
func (t *RateLimitTracker) Clear(accountID string) bool {
	s := t.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for key := range s.entries {
		if key.account == accountID {
			delete(s.entries, key)
			removed = true
		}
	}
	return removed
}

// ClearAll removes every entry and returns how many were dropped.
func (t *RateLimitTracker) ClearAll() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.entries = make(map[rateLimitKey]*RateLimitEntry)
		s.mu.Unlock()
	}
	return n
}

// Sweep drops entries whose cooldown ended more than idle ago. Entries inside
// that window are kept so repeated failures keep climbing the ladder.
func (t *RateLimitTracker) Sweep(idle time.Duration) []RateLimitEntry {
	cutoff := t.now().Add(-idle)
	var dropped []RateLimitEntry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			if e.CooldownUntil.Before(cutoff) {
				dropped = append(dropped, *e)
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
	return dropped
}

// Snapshot returns copies of all entries ordered by account and model.
func (t *RateLimitTracker) Snapshot() []RateLimitEntry {
	var out []RateLimitEntry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, *e)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Restore loads previously persisted entries; an existing entry wins only if
// its cooldown ends later.
func (t *RateLimitTracker) Restore(entries []RateLimitEntry) int {
	n := 0
	for _, in := range entries {
		if in.AccountID == "" {
			continue
		}
		key := rateLimitKey{account: in.AccountID, model: normalizeModel(in.Model)}
		s := t.shard(in.AccountID)
		s.mu.Lock()
		if cur, ok := s.entries[key]; !ok || in.CooldownUntil.After(cur.CooldownUntil) {
			e := in
			e.Model = key.model
			s.entries[key] = &e
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// ParseRetryAfter extracts an upstream supplied delay. The Retry-After header
// (delta seconds or HTTP date) wins; otherwise RetryInfo.retryDelay or
// quotaResetDelay inside a JSON error body is used. Values outside
// (0, 24h] are ignored.
func ParseRetryAfter(header, body string, now time.Time) time.Duration {
	if d := parseRetryAfterHeader(strings.TrimSpace(header), now); sane(d) {
		return d
	}
	if d := parseRetryDelayBody(body); sane(d) {
		return d
	}
	return 0
}

func parseRetryAfterHeader(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if at, err := http.ParseTime(v); err == nil {
		return at.Sub(now)
	}
	return 0
}

func parseRetryDelayBody(body string) time.Duration {
	idx := strings.IndexByte(body, '{')
	if idx < 0 {
		return 0
	}
	doc := body[idx:]
	if !gjson.Valid(doc) {
		return 0
	}

	var best time.Duration
	for _, path := range []string{
		"error.details.#.retryDelay",
		"error.details.#.metadata.quotaResetDelay",
	} {
		for _, r := range gjson.Get(doc, path).Array() {
			if d, err := time.ParseDuration(r.String()); err == nil && d > best {
				best = d
			}
		}
	}
	return best
}

func sane(d time.Duration) bool {
	return d > 0 && d <= maxRetryAfter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
