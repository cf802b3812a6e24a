package ratelimit

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestTakeArgsLayout(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1741597200000)
	keys, args := takeArgs("sms:acct-1", []Window{
		{Length: time.Minute, Limit: 5},
		{Length: time.Hour, Limit: 0},
	}, now)

	wantKeys := []string{"{sms:acct-1}:60000", "{sms:acct-1}:3600000"}
	wantArgs := []string{"1741597200000", "60000", "5", "3600000", "0"}
	if strings.Join(keys, " ") != strings.Join(wantKeys, " ") {
		t.Fatalf("keys = %v, want %v", keys, wantKeys)
	}
	if strings.Join(args, " ") != strings.Join(wantArgs, " ") {
		t.Fatalf("args = %v, want %v", args, wantArgs)
	}
}

// newRedisStore connects to GREETD_TEST_REDIS_ADDR or skips the test.
func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("GREETD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GREETD_TEST_REDIS_ADDR not set")
	}
	client, err := NewRedisClient(RedisConfig{Addr: []string{addr}})
	if err != nil {
		t.Fatalf("connect %s: %v", addr, err)
	}
	st := NewRedisStore(client)
	t.Cleanup(st.Close)
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return st
}

// testKey is unique per run so reruns against one server start clean.
func testKey(t *testing.T, st *RedisStore, windows []Window) string {
	t.Helper()
	key := "greetd-test:" + t.Name() + ":" + strconv.FormatInt(time.Now().UnixNano(), 36)
	keys, _ := takeArgs(key, windows, time.Time{})
	t.Cleanup(func() {
		st.client.Do(context.Background(), st.client.B().Del().Key(keys...).Build())
	})
	return key
}

func TestRedisStoreTake(t *testing.T) {
	t.Parallel()
	st := newRedisStore(t)
	ctx := context.Background()
	windows := []Window{
		{Length: time.Minute, Limit: 2},
		{Length: time.Hour, Limit: 3},
	}
	key := testKey(t, st, windows)
	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	steps := []struct {
		name string
		at   time.Duration
		want bool
	}{
		{"first", 0, true},
		{"second", time.Second, true},
		{"minute full", 2 * time.Second, false},
		{"minute reset", time.Minute, true},
		{"hour full", time.Minute + time.Second, false},
		{"both reset", time.Hour, true},
	}
	for _, s := range steps {
		ok, err := st.Take(ctx, key, windows, t0.Add(s.at))
		if err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if ok != s.want {
			t.Fatalf("%s at +%s: allowed = %v, want %v", s.name, s.at, ok, s.want)
		}
	}
}

func TestRedisStoreDeniedCallDoesNotConsume(t *testing.T) {
	t.Parallel()
	st := newRedisStore(t)
	ctx := context.Background()
	windows := []Window{
		{Length: time.Minute, Limit: 1},
		{Length: time.Hour, Limit: 10},
	}
	key := testKey(t, st, windows)
	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ok, err := st.Take(ctx, key, windows, t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if ok != (i == 0) {
			t.Fatalf("call %d: allowed = %v", i+1, ok)
		}
	}

	keys, _ := takeArgs(key, windows, t0)
	for i, k := range keys {
		hits, err := st.client.Do(ctx, st.client.B().Hget().Key(k).Field("hits").Build()).AsInt64()
		if err != nil {
			t.Fatalf("hget %s: %v", k, err)
		}
		if hits != 1 {
			t.Fatalf("%s hits = %d, want 1", k, hits)
		}
		ttl, err := st.client.Do(ctx, st.client.B().Pttl().Key(k).Build()).AsInt64()
		if err != nil {
			t.Fatalf("pttl %s: %v", k, err)
		}
		if max := 2 * windows[i].Length.Milliseconds(); ttl <= 0 || ttl > max {
			t.Fatalf("%s ttl = %dms, want (0, %d]", k, ttl, max)
		}
	}
}

func TestRedisStoreUnlimitedWindow(t *testing.T) {
	t.Parallel()
	st := newRedisStore(t)
	ctx := context.Background()
	windows := []Window{{Length: time.Minute, Limit: 0}}
	key := testKey(t, st, windows)
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		if ok, err := st.Take(ctx, key, windows, now); err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i+1, ok, err)
		}
	}
}
