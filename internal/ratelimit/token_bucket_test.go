package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "notify:webhook")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "notify:webhook")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "notify:webhook")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Buckets are independent per key.
	allowed, _, _ = bucket.Allow(ctx, "notify:email")
	if !allowed {
		t.Fatalf("expected separate channel to have its own bucket")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}

func TestWaitReturnsOnContextEnd(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 0.001, time.Minute)

	ctx := context.Background()
	if err := bucket.Wait(ctx, "k"); err != nil {
		t.Fatalf("first wait should pass: %v", err)
	}

	// Bucket empty, refill negligible: Wait must give up with the context.
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := bucket.Wait(ctx, "k"); err == nil {
		t.Fatal("expected context deadline error while throttled")
	}
}

func TestTokenCountStoredFixedPoint(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 0.001, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "k")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}

	// A drained bucket with a slow refill holds a tiny fractional count. If
	// that count is stored in exponent notation it fails tonumber on the next
	// run and the bucket silently resets to capacity.
	for i := 0; i < 5; i++ {
		time.Sleep(5 * time.Millisecond)
		allowed, _, err := bucket.Allow(ctx, "k")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if allowed {
			t.Fatalf("empty bucket granted a token on call %d", i)
		}
		raw, err := client.HGet(ctx, "k", "tokens").Result()
		if err != nil {
			t.Fatalf("read stored count: %v", err)
		}
		if strings.ContainsAny(raw, "eE") {
			t.Fatalf("token count stored in exponent notation: %q", raw)
		}
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			t.Fatalf("stored token count does not parse: %q", raw)
		}
	}
}
