package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fixedClock returns a controllable time source.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(opts ...Option) (*Limiter, *fixedClock) {
	clock := &fixedClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clock.Now))
	return NewLimiter(opts...), clock
}

func TestUserQuotaBoundary(t *testing.T) {
	l, _ := newTestLimiter(WithUserQuota(3), WithSourceQuota(0))

	for i := 0; i < 3; i++ {
		if v := l.Check("", "u1", "hello"); !v.Allowed {
			t.Fatalf("request %d should be allowed, got %s", i+1, v.Reason)
		}
	}
	v := l.Check("", "u1", "hello")
	if v.Allowed {
		t.Fatal("request beyond quota should be rejected")
	}
	if v.Reason != ReasonUserQuota {
		t.Errorf("reason = %s, want %s", v.Reason, ReasonUserQuota)
	}
}

func TestDistinctUsersDoNotInterfere(t *testing.T) {
	l, _ := newTestLimiter(WithUserQuota(1), WithSourceQuota(0))

	if v := l.Check("", "u1", "hello"); !v.Allowed {
		t.Fatal("first user first request should pass")
	}
	if v := l.Check("", "u2", "hello"); !v.Allowed {
		t.Fatal("second user must not be affected by first user's quota")
	}
	if v := l.Check("", "u1", "hello"); v.Allowed {
		t.Fatal("first user second request should be rejected")
	}
}

func TestWindowExpiryFreesQuota(t *testing.T) {
	l, clock := newTestLimiter(WithUserQuota(1), WithSourceQuota(0), WithWindow(time.Minute))

	if v := l.Check("", "u1", "hello"); !v.Allowed {
		t.Fatal("first request should pass")
	}
	if v := l.Check("", "u1", "hello"); v.Allowed {
		t.Fatal("second request inside the window should be rejected")
	}
	clock.Advance(61 * time.Second)
	if v := l.Check("", "u1", "hello"); !v.Allowed {
		t.Fatal("request after window expiry should pass")
	}
}

func TestSourceQuotaAndTrustList(t *testing.T) {
	l, _ := newTestLimiter(WithSourceQuota(2), WithUserQuota(0), WithTrustedSources([]string{"10.0.0.1"}))

	for i := 0; i < 2; i++ {
		if v := l.Check("1.2.3.4", fmt.Sprintf("u%d", i), "hello"); !v.Allowed {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	if v := l.Check("1.2.3.4", "u9", "hello"); v.Allowed {
		t.Fatal("source over quota should be rejected")
	} else if v.Reason != ReasonSourceQuota {
		t.Errorf("reason = %s, want %s", v.Reason, ReasonSourceQuota)
	}

	// Trusted sources bypass the shared window entirely.
	for i := 0; i < 10; i++ {
		if v := l.Check("10.0.0.1", fmt.Sprintf("t%d", i), "hello"); !v.Allowed {
			t.Fatalf("trusted source request %d should bypass the quota", i+1)
		}
	}
}

func TestContentHeuristics(t *testing.T) {
	l, _ := newTestLimiter(WithUserQuota(0), WithSourceQuota(0), WithMaxLength(50))

	cases := []struct {
		name   string
		text   string
		reason ReasonCode
	}{
		{"too long", strings.Repeat("a b ", 20), ReasonTooLong},
		{"repeated run", "aaaaaaaaaaaaaaaaaaaa", ReasonRepeatedChars},
		{"symbol flood", "!!??!!??$$%%&&**", ReasonSymbolRatio},
	}
	for _, c := range cases {
		v := l.Check("", "u1", c.text)
		if v.Allowed {
			t.Errorf("%s: expected rejection", c.name)
			continue
		}
		if v.Reason != c.reason {
			t.Errorf("%s: reason = %s, want %s", c.name, v.Reason, c.reason)
		}
	}

	if v := l.Check("", "u1", "a normal sentence, with punctuation!"); !v.Allowed {
		t.Errorf("normal text rejected with %s", v.Reason)
	}
}

func TestShortSymbolRepliesAllowed(t *testing.T) {
	l, _ := newTestLimiter(WithUserQuota(0), WithSourceQuota(0))
	if v := l.Check("", "u1", "?!"); !v.Allowed {
		t.Errorf("short symbol reply rejected with %s", v.Reason)
	}
}

func TestConcurrentChecksAreSafe(t *testing.T) {
	l, _ := newTestLimiter(WithUserQuota(1000), WithSourceQuota(0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", id%4)
			for j := 0; j < 100; j++ {
				l.Check("", user, "hello there")
			}
		}(i)
	}
	wg.Wait()
}
