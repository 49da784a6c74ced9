package biz

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"ProxyLane/internal/conf"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const sessionShards = 16

// StickyConfig controls session affinity and scheduling.
type StickyConfig struct {
	// Mode is conf.ModeCacheFirst, conf.ModeBalance or conf.ModePerformanceFirst.
	Mode string
	// MaxWait bounds how long cache_first waits for a cooling bound account.
	MaxWait     time.Duration
	TTL         time.Duration
	MaxSessions int
}

// DefaultStickyConfig returns balance mode with a 10 minute binding TTL.
func DefaultStickyConfig() StickyConfig {
	return StickyConfig{Mode: conf.ModeBalance, MaxWait: time.Minute, TTL: 10 * time.Minute, MaxSessions: 10000}
}

// NewStickyConfig converts the scheduling configuration section.
func NewStickyConfig(c *conf.Pool) StickyConfig {
	cfg := DefaultStickyConfig()
	if c == nil || c.Scheduling == nil {
		return cfg
	}
	s := c.Scheduling
	if s.Mode != "" {
		cfg.Mode = s.Mode
	}
	if s.MaxWait >= 0 {
		cfg.MaxWait = s.MaxWait
	}
	if s.StickyTTL > 0 {
		cfg.TTL = s.StickyTTL
	}
	if s.MaxSessions > 0 {
		cfg.MaxSessions = s.MaxSessions
	}
	return cfg
}

// StickyBinding ties a conversation to the account that served it last.
type StickyBinding struct {
	AccountID   string
	LastTouched time.Time
	// MessageCount is the watermark; a lower count means the client rewound.
	MessageCount int
}

// SessionAffinity is a bounded session -> account table. It is split into
// LRU shards so lookups for different sessions rarely share a lock. Expiry is
// checked on read, so TTL changes apply to existing bindings immediately.
type SessionAffinity struct {
	shards [sessionShards]*sessionShard
	ttl    atomic.Int64
	now    func() time.Time
}

// sessionShard guards its LRU with one mutex so check-then-remove sequences
// cannot drop a binding written in between.
type sessionShard struct {
	mu    sync.Mutex
	cache *simplelru.LRU[string, StickyBinding]
}

// NewSessionAffinity creates a table holding at most maxSessions bindings.
func NewSessionAffinity(maxSessions int, ttl time.Duration) *SessionAffinity {
	per := maxSessions / sessionShards
	if per < 16 {
		per = 16
	}
	s := &SessionAffinity{now: time.Now}
	for i := range s.shards {
		// NewLRU only fails for a non-positive size
		c, _ := simplelru.NewLRU[string, StickyBinding](per, nil)
		s.shards[i] = &sessionShard{cache: c}
	}
	s.SetTTL(ttl)
	return s
}

// SetTTL changes how long an untouched binding stays valid.
func (s *SessionAffinity) SetTTL(ttl time.Duration) {
	s.ttl.Store(int64(ttl))
}

func (s *SessionAffinity) shard(sessionID string) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return s.shards[h.Sum32()%sessionShards]
}

func (s *SessionAffinity) expired(b StickyBinding, now time.Time) bool {
	ttl := time.Duration(s.ttl.Load())
	return ttl > 0 && now.Sub(b.LastTouched) > ttl
}

// Lookup returns the live binding of sessionID. Expired bindings and bindings
// whose watermark is above messageCount are dropped. A messageCount of 0
// skips the rewind check.
func (s *SessionAffinity) Lookup(sessionID string, messageCount int) (StickyBinding, bool) {
	if sessionID == "" {
		return StickyBinding{}, false
	}
	now := s.now()
	sh := s.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.cache.Get(sessionID)
	if !ok {
		return StickyBinding{}, false
	}
	if s.expired(b, now) || (messageCount > 0 && messageCount < b.MessageCount) {
		sh.cache.Remove(sessionID)
		return StickyBinding{}, false
	}
	return b, true
}

// Bind (re)binds sessionID to accountID and starts a new TTL window.
func (s *SessionAffinity) Bind(sessionID, accountID string, messageCount int) {
	if sessionID == "" || accountID == "" {
		return
	}
	b := StickyBinding{
		AccountID:    accountID,
		LastTouched:  s.now(),
		MessageCount: messageCount,
	}
	sh := s.shard(sessionID)
	sh.mu.Lock()
	sh.cache.Add(sessionID, b)
	sh.mu.Unlock()
}

// Unbind removes one binding.
func (s *SessionAffinity) Unbind(sessionID string) {
	if sessionID == "" {
		return
	}
	sh := s.shard(sessionID)
	sh.mu.Lock()
	sh.cache.Remove(sessionID)
	sh.mu.Unlock()
}

// removeWhere drops every binding matching fn and returns how many went.
func (s *SessionAffinity) removeWhere(fn func(StickyBinding) bool) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, key := range sh.cache.Keys() {
			if b, ok := sh.cache.Peek(key); ok && fn(b) {
				sh.cache.Remove(key)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// UnbindAccount removes every binding pointing at accountID.
func (s *SessionAffinity) UnbindAccount(accountID string) int {
	return s.removeWhere(func(b StickyBinding) bool { return b.AccountID == accountID })
}

// Sweep removes expired bindings and returns how many were dropped.
func (s *SessionAffinity) Sweep() int {
	now := s.now()
	return s.removeWhere(func(b StickyBinding) bool { return s.expired(b, now) })
}

// Clear drops every binding and returns how many existed.
func (s *SessionAffinity) Clear() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.cache.Len()
		sh.cache.Purge()
		sh.mu.Unlock()
	}
	return n
}

// Len returns the number of stored bindings, expired ones included.
func (s *SessionAffinity) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.cache.Len()
		sh.mu.Unlock()
	}
	return n
}
