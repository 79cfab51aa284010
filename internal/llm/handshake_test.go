package llm

import (
	"context"
	"errors"
	"testing"
)

func TestHandshakeCache(t *testing.T) {
	cache := newHandshakeCache()
	ctx := context.Background()

	calls := 0
	acquire := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("upstream busy")
		}
		return "token", nil
	}

	if _, err := cache.get(ctx, "s1", acquire); err == nil {
		t.Fatal("get() swallowed the acquire error")
	}
	for i := 0; i < 3; i++ {
		got, err := cache.get(ctx, "s1", acquire)
		if err != nil || got != "token" {
			t.Fatalf("get() = %q, %v", got, err)
		}
	}
	if calls != 2 {
		t.Errorf("acquire ran %d times, want 2", calls)
	}

	cache.evict("s1")
	if cache.len() != 0 {
		t.Errorf("len() = %d after evict", cache.len())
	}
	cache.get(ctx, "s1", acquire)
	if calls != 3 {
		t.Errorf("acquire ran %d times after evict, want 3", calls)
	}
}
