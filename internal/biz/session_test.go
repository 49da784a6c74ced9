package biz

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessions(ttl time.Duration) (*SessionAffinity, *fakeClock) {
	clock := newFakeClock()
	s := NewSessionAffinity(1000, ttl)
	s.now = clock.Now
	return s, clock
}

func TestSessionAffinity_BindLookup(t *testing.T) {
	s, _ := newTestSessions(10 * time.Minute)

	_, ok := s.Lookup("sid-1", 1)
	assert.False(t, ok)

	s.Bind("sid-1", "acc-1", 3)
	b, ok := s.Lookup("sid-1", 5)
	require.True(t, ok)
	assert.Equal(t, "acc-1", b.AccountID)
	assert.Equal(t, 3, b.MessageCount)

	s.Bind("", "acc-1", 1)
	s.Bind("sid-2", "", 1)
	assert.Equal(t, 1, s.Len())
}

func TestSessionAffinity_Expiry(t *testing.T) {
	s, clock := newTestSessions(10 * time.Minute)
	s.Bind("sid-1", "acc-1", 1)

	clock.Advance(9 * time.Minute)
	_, ok := s.Lookup("sid-1", 1)
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = s.Lookup("sid-1", 1)
	assert.False(t, ok)
	assert.Zero(t, s.Len(), "expired bindings are removed on read")
}

func TestSessionAffinity_TTLChangeAppliesToExistingBindings(t *testing.T) {
	s, clock := newTestSessions(time.Hour)
	s.Bind("sid-1", "acc-1", 1)
	clock.Advance(2 * time.Minute)

	s.SetTTL(time.Minute)
	_, ok := s.Lookup("sid-1", 1)
	assert.False(t, ok)
}

func TestSessionAffinity_RewindDropsBinding(t *testing.T) {
	s, _ := newTestSessions(10 * time.Minute)
	s.Bind("sid-1", "acc-1", 6)

	_, ok := s.Lookup("sid-1", 4)
	assert.False(t, ok)
	_, ok = s.Lookup("sid-1", 8)
	assert.False(t, ok, "a rewound binding stays dropped")
}

func TestSessionAffinity_UnbindAccountAndSweep(t *testing.T) {
	s, clock := newTestSessions(10 * time.Minute)
	for i := 0; i < 10; i++ {
		acc := "acc-1"
		if i%2 == 0 {
			acc = "acc-2"
		}
		s.Bind(fmt.Sprintf("sid-%d", i), acc, 1)
	}

	assert.Equal(t, 5, s.UnbindAccount("acc-2"))
	assert.Equal(t, 5, s.Len())

	clock.Advance(11 * time.Minute)
	s.Bind("fresh", "acc-1", 1)
	assert.Equal(t, 5, s.Sweep())
	assert.Equal(t, 1, s.Len())

	assert.Equal(t, 1, s.Clear())
	assert.Zero(t, s.Len())
}

func TestSessionAffinity_BoundedSize(t *testing.T) {
	s := NewSessionAffinity(16*sessionShards, time.Hour)
	for i := 0; i < 5000; i++ {
		s.Bind(fmt.Sprintf("sid-%d", i), "acc-1", 1)
	}
	assert.LessOrEqual(t, s.Len(), 16*sessionShards)
}

func TestExtractSessionID(t *testing.T) {
	first := Conversation{FirstUserMessage: "Refactor the parser", ToolNames: []string{"read", "edit"}, MessageCount: 1}
	later := Conversation{FirstUserMessage: "Refactor the parser", ToolNames: []string{"edit", "read"}, MessageCount: 9}

	id := ExtractSessionID(first)
	assert.True(t, strings.HasPrefix(id, "sid-"))
	assert.Len(t, id, len("sid-")+16)
	assert.Equal(t, id, ExtractSessionID(later), "stable across turns and tool order")

	assert.NotEqual(t, id, ExtractSessionID(Conversation{FirstUserMessage: "Refactor the lexer"}))
	assert.NotEqual(t, id, ExtractSessionID(Conversation{ConversationID: "user-42", FirstUserMessage: "Refactor the parser", ToolNames: []string{"read", "edit"}}))
	assert.Empty(t, ExtractSessionID(Conversation{FirstUserMessage: "   "}))

	long := strings.Repeat("x", firstMessageLimit)
	assert.Equal(t,
		ExtractSessionID(Conversation{FirstUserMessage: long + "tail one"}),
		ExtractSessionID(Conversation{FirstUserMessage: long + "tail two"}))
}

func TestSessionAffinity_ExpiredRemovalKeepsConcurrentBind(t *testing.T) {
	s, clock := newTestSessions(time.Minute)

	for i := 0; i < 500; i++ {
		sid := fmt.Sprintf("sid-%d", i)
		s.Bind(sid, "stale", 1)
		clock.Advance(2 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Lookup(sid, 1)
		}()
		go func() {
			defer wg.Done()
			s.Bind(sid, "fresh", 1)
		}()
		wg.Wait()

		b, ok := s.Lookup(sid, 1)
		require.True(t, ok, "iteration %d lost the new binding", i)
		assert.Equal(t, "fresh", b.AccountID)
	}
}
