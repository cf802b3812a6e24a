package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"greetd/internal/domain"
	logx "greetd/pkg/logx"
)

func TestAllowFixedMinuteWindow(t *testing.T) {
	t.Parallel()
	l := New(Config{
		Enabled: true,
		Default: Limits{PerMinute: 5},
	}, NewMemoryStore(), logx.Nop())
	ctx := context.Background()
	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, domain.ChannelEmail, "acct-1", t0.Add(time.Duration(i)*time.Second))
		if err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, domain.ChannelEmail, "acct-1", t0.Add(10*time.Second)); ok {
		t.Fatal("6th call within the window should be denied")
	}
	if ok, _ := l.Allow(ctx, domain.ChannelEmail, "acct-1", t0.Add(time.Minute)); !ok {
		t.Fatal("call after the window elapsed should be allowed")
	}
}

func TestAllowScopes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	perAccount := New(Config{Enabled: true, Scope: ScopeAccount, Default: Limits{PerMinute: 1}}, nil, logx.Nop())
	if ok, _ := perAccount.Allow(ctx, domain.ChannelSMS, "a", now); !ok {
		t.Fatal("first send for a should pass")
	}
	if ok, _ := perAccount.Allow(ctx, domain.ChannelSMS, "b", now); !ok {
		t.Fatal("account scope should not share counters across accounts")
	}

	global := New(Config{Enabled: true, Scope: ScopeGlobal, Default: Limits{PerMinute: 1}}, nil, logx.Nop())
	if ok, _ := global.Allow(ctx, domain.ChannelSMS, "a", now); !ok {
		t.Fatal("first global send should pass")
	}
	if ok, _ := global.Allow(ctx, domain.ChannelSMS, "b", now); ok {
		t.Fatal("global scope should share one counter")
	}
	if ok, _ := global.Allow(ctx, domain.ChannelEmail, "b", now); !ok {
		t.Fatal("channels never share counters")
	}
}

func TestDeniedCallDoesNotConsume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(Config{Enabled: true, Default: Limits{PerMinute: 2, PerHour: 1}}, nil, logx.Nop())

	if ok, _ := l.Allow(ctx, domain.ChannelEmail, "a", now); !ok {
		t.Fatal("first call should pass")
	}
	for i := 0; i < 20; i++ {
		if ok, _ := l.Allow(ctx, domain.ChannelEmail, "a", now.Add(time.Second)); ok {
			t.Fatal("hour window is full")
		}
	}
	// Lift the hour cap inside the same minute: the minute counter is still
	// at 1, so exactly one more send fits.
	l.Apply(Config{Enabled: true, Default: Limits{PerMinute: 2}})
	if ok, _ := l.Allow(ctx, domain.ChannelEmail, "a", now.Add(2*time.Second)); !ok {
		t.Fatal("denials must not consume the minute window")
	}
	if ok, _ := l.Allow(ctx, domain.ChannelEmail, "a", now.Add(3*time.Second)); ok {
		t.Fatal("minute window should now be full")
	}
}

func TestDisabledOrUnlimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	off := New(Config{Enabled: false, Default: Limits{PerMinute: 1}}, nil, logx.Nop())
	for i := 0; i < 3; i++ {
		if ok, _ := off.Allow(ctx, domain.ChannelEmail, "a", now); !ok {
			t.Fatal("disabled limiter must allow")
		}
	}
	custom := New(Config{
		Enabled:  true,
		Default:  Limits{PerMinute: 1},
		Channels: map[domain.Channel]Limits{domain.ChannelTelegram: {}},
	}, nil, logx.Nop())
	for i := 0; i < 3; i++ {
		if ok, _ := custom.Allow(ctx, domain.ChannelTelegram, "a", now); !ok {
			t.Fatal("channel with no limits must allow")
		}
	}
}

func TestMemoryStoreConcurrentTake(t *testing.T) {
	t.Parallel()
	st := NewMemoryStore()
	now := time.Now()
	windows := Limits{PerMinute: 50}.Windows()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := st.Take(context.Background(), "k", windows, now); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 50 {
		t.Fatalf("allowed = %d, want exactly 50", got)
	}
}
