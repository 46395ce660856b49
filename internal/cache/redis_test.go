package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestInitRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	defer Close()

	if err := InitRedis(context.Background(), mr.Addr(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Client == nil {
		t.Fatal("expected client")
	}
}

func TestInitRedisURL(t *testing.T) {
	mr := miniredis.RunT(t)
	defer Close()

	if err := InitRedis(context.Background(), "redis://"+mr.Addr()+"/0", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInitRedisUnreachable(t *testing.T) {
	Client = nil
	if err := InitRedis(context.Background(), "127.0.0.1:1", nil); err == nil {
		t.Fatal("expected connection error")
	}
	if Client != nil {
		t.Fatal("client should stay nil on failure")
	}
}

func TestInitRedisBadURL(t *testing.T) {
	if err := InitRedis(context.Background(), "redis://:bad:port/x", nil); err == nil {
		t.Fatal("expected parse error")
	}
}
