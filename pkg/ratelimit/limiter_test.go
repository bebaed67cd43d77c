package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryEnforcesLimit(t *testing.T) {
	l := NewInMemory(time.Minute)
	for i := 0; i < 3; i++ {
		d := l.Allow("verify:203.0.113.9:bob", 3)
		if !d.Allowed {
			t.Fatalf("call %d blocked", i+1)
		}
		if d.Remaining != 3-(i+1) {
			t.Fatalf("call %d remaining %d", i+1, d.Remaining)
		}
	}
	d := l.Allow("verify:203.0.113.9:bob", 3)
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("fourth call: %+v", d)
	}
	if d.ResetAt.Before(time.Now()) {
		t.Fatalf("reset in the past: %v", d.ResetAt)
	}
}

func TestInMemoryKeysAreIndependent(t *testing.T) {
	l := NewInMemory(time.Minute)
	if d := l.Allow("a", 1); !d.Allowed {
		t.Fatalf("first key blocked")
	}
	if d := l.Allow("a", 1); d.Allowed {
		t.Fatalf("first key not exhausted")
	}
	if d := l.Allow("b", 1); !d.Allowed {
		t.Fatalf("second key blocked by first")
	}
}

func TestInMemoryWindowResets(t *testing.T) {
	l := NewInMemory(20 * time.Millisecond)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatalf("first call blocked")
	}
	if d := l.Allow("k", 1); d.Allowed {
		t.Fatalf("second call allowed inside window")
	}
	time.Sleep(30 * time.Millisecond)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatalf("call blocked after window reset")
	}
}

func TestInMemoryPrunesStaleBuckets(t *testing.T) {
	l := NewInMemory(time.Nanosecond)
	for i := 0; i < pruneEvery*2; i++ {
		l.Allow(fmt.Sprintf("k%d", i), 1)
	}
	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n >= pruneEvery*2 {
		t.Fatalf("stale buckets never pruned: %d", n)
	}
}

func TestInMemoryZeroLimitTreatedAsOne(t *testing.T) {
	l := NewInMemory(time.Minute)
	if d := l.Allow("k", 0); !d.Allowed {
		t.Fatalf("first call with zero limit blocked")
	}
	if d := l.Allow("k", 0); d.Allowed {
		t.Fatalf("second call with zero limit allowed")
	}
}

func TestRedisLimiterSharedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedis(client, time.Minute)

	for i := 0; i < 2; i++ {
		if d := l.Allow("k", 2); !d.Allowed {
			t.Fatalf("call %d blocked", i+1)
		}
	}
	if d := l.Allow("k", 2); d.Allowed {
		t.Fatalf("third call allowed")
	}

	// A second limiter against the same redis sees the same window.
	other := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	if d := other.Allow("k", 2); d.Allowed {
		t.Fatalf("window not shared across clients")
	}
}

func TestRedisLimiterFallsBackWhenDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedis(client, time.Minute)
	mr.Close()

	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatalf("fallback blocked first call")
	}
	if d := l.Allow("k", 1); d.Allowed {
		t.Fatalf("fallback did not enforce limit")
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	l := NewRedis(nil, time.Minute)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatalf("nil client blocked first call")
	}
	l.Fallback = nil
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatalf("limiter without fallback must fail open")
	}
}
