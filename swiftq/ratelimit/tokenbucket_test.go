package ratelimit

import (
	"context"
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

	allowed, _, err := bucket.Allow(ctx, "emails")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "emails")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "emails")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// A different queue has its own bucket.
	allowed, _, err = bucket.Allow(ctx, "reports")
	if err != nil || !allowed {
		t.Fatalf("expected independent bucket for a different queue, got allowed=%v err=%v", allowed, err)
	}
}

func TestTokenBucketDisabledWhenNoCapacity(t *testing.T) {
	bucket := NewTokenBucket(nil, 0, 0, 0)
	if bucket.Enabled() {
		t.Fatalf("expected disabled bucket")
	}
	allowed, _, err := bucket.Allow(context.Background(), "emails")
	if err != nil || !allowed {
		t.Fatalf("disabled bucket must always allow, got allowed=%v err=%v", allowed, err)
	}
}
