package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock drives a limiter without real sleeping. Sleeps advance the
// clock and are recorded.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) install(l *Limiter) {
	l.now = func() time.Time { return c.now }
	l.sleep = func(_ context.Context, d time.Duration) error {
		c.sleeps = append(c.sleeps, d)
		c.now = c.now.Add(d)
		return nil
	}
}

func apply(t *testing.T, l *Limiter, method string, connection bool) {
	t.Helper()
	if err := l.Apply(context.Background(), method, connection); err != nil {
		t.Fatalf("Apply(%s) failed: %v", method, err)
	}
}

func TestUnlimitedByDefault(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{})
	clock.install(l)

	for i := 0; i < 10; i++ {
		apply(t, l, "getSlot", false)
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", clock.sleeps)
	}
}

func TestOverallLimitSpacesCalls(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{Overall: PerSecond(2)})
	clock.install(l)

	apply(t, l, "getSlot", false)
	apply(t, l, "getHealth", false)

	if len(clock.sleeps) != 1 {
		t.Fatalf("sleeps = %v, want one", clock.sleeps)
	}
	if clock.sleeps[0] != 500*time.Millisecond {
		t.Errorf("sleep = %v, want 500ms", clock.sleeps[0])
	}
}

func TestOverallLimitNoSleepAfterInterval(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{Overall: PerSecond(1)})
	clock.install(l)

	apply(t, l, "getSlot", false)
	clock.now = clock.now.Add(2 * time.Second)
	apply(t, l, "getSlot", false)

	if len(clock.sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", clock.sleeps)
	}
}

func TestPerMethodLimitIsolatesMethods(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{PerMethod: PerSecond(1)})
	clock.install(l)

	apply(t, l, "getSlot", false)
	apply(t, l, "getHealth", false)
	if len(clock.sleeps) != 0 {
		t.Fatalf("different methods slept: %v", clock.sleeps)
	}

	apply(t, l, "getSlot", false)
	if len(clock.sleeps) != 1 || clock.sleeps[0] != time.Second {
		t.Errorf("sleeps = %v, want [1s]", clock.sleeps)
	}
}

func TestConnectionLimitOnlyOnConnectionEvents(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{Connection: PerSecond(1)})
	clock.install(l)

	apply(t, l, "wsConnect", true)
	apply(t, l, "getSlot", false)
	if len(clock.sleeps) != 0 {
		t.Fatalf("plain call drew on connection budget: %v", clock.sleeps)
	}

	apply(t, l, "wsConnect", true)
	if len(clock.sleeps) != 1 || clock.sleeps[0] != time.Second {
		t.Errorf("sleeps = %v, want [1s]", clock.sleeps)
	}
}

func TestReservationIsWrittenBeforeSleeping(t *testing.T) {
	clock := newFakeClock()
	l := New(Limits{Overall: PerSecond(1)})

	// Freeze time entirely so every Apply sees the same now. Each call must
	// still queue behind the previous caller's reservation.
	l.now = func() time.Time { return clock.now }
	var sleeps []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	apply(t, l, "getSlot", false)
	apply(t, l, "getSlot", false)
	apply(t, l, "getSlot", false)

	// The second call waits one interval; the third sees the second's
	// reservation in the future but the wait is capped at one interval.
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != time.Second {
		t.Errorf("sleeps = %v, want [1s 1s]", sleeps)
	}
}

func TestDisabledOverridesDefault(t *testing.T) {
	ConfigureDefault(Limits{Overall: PerSecond(1)})
	defer ConfigureDefault(Limits{})

	clock := newFakeClock()
	l := New(Limits{Overall: Disabled()})
	clock.install(l)

	apply(t, l, "getSlot", false)
	apply(t, l, "getSlot", false)
	if len(clock.sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", clock.sleeps)
	}
}

func TestInheritUsesDefault(t *testing.T) {
	ConfigureDefault(Limits{Overall: PerSecond(1)})
	defer ConfigureDefault(Limits{})

	clock := newFakeClock()
	l := New(Limits{})
	clock.install(l)

	apply(t, l, "getSlot", false)
	apply(t, l, "getSlot", false)
	if len(clock.sleeps) != 1 || clock.sleeps[0] != time.Second {
		t.Errorf("sleeps = %v, want [1s]", clock.sleeps)
	}
}

func TestForEndpointSharesByHost(t *testing.T) {
	a := ForEndpoint("https://api.devnet.solana.com")
	b := ForEndpoint("wss://api.devnet.solana.com")
	if a != b {
		t.Error("https and wss endpoints on the same host got different limiters")
	}
	c := ForEndpoint("https://api.mainnet-beta.solana.com")
	if a == c {
		t.Error("different hosts share a limiter")
	}
	d := ForEndpoint("https://api.devnet.solana.com:8899")
	if a != d {
		t.Error("port changes the limiter identity")
	}
}

func TestHostFromEndpoint(t *testing.T) {
	cases := []struct {
		endpoint string
		want     string
	}{
		{"https://api.devnet.solana.com", "api.devnet.solana.com"},
		{"wss://api.devnet.solana.com:443", "api.devnet.solana.com"},
		{"http://127.0.0.1:8899", "127.0.0.1"},
	}
	for _, tc := range cases {
		if got := hostFromEndpoint(tc.endpoint); got != tc.want {
			t.Errorf("hostFromEndpoint(%q) = %q, want %q", tc.endpoint, got, tc.want)
		}
	}
}

func TestComputeSleep(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := computeSleep(now, time.Second, time.Time{}); got != 0 {
		t.Errorf("first use sleep = %v, want 0", got)
	}
	if got := computeSleep(now, 0, now); got != 0 {
		t.Errorf("unlimited sleep = %v, want 0", got)
	}
	if got := computeSleep(now, time.Second, now.Add(-300*time.Millisecond)); got != 700*time.Millisecond {
		t.Errorf("partial interval sleep = %v, want 700ms", got)
	}
	// A reservation in the future still caps the wait at one interval.
	if got := computeSleep(now, time.Second, now.Add(5*time.Second)); got != time.Second {
		t.Errorf("future reservation sleep = %v, want 1s", got)
	}
}
