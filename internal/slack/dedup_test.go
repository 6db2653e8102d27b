package slack

import (
	"sync"
	"testing"
	"time"
)

type mockClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestDedupSet_CheckOnce(t *testing.T) {
	d := NewDedupSet()

	if !d.Check("qr:1") {
		t.Error("expected first alert to be accepted")
	}
	if d.Check("qr:1") {
		t.Error("expected repeated alert to be rejected")
	}
	if !d.Check("qr:2") {
		t.Error("expected alert for a new generation to be accepted")
	}
}

func TestDedupSet_ExpiredKeyReaccepted(t *testing.T) {
	clock := &mockClock{t: time.Now()}
	d := NewDedupSet(WithDedupTTL(time.Minute), WithClock(clock.Now))

	d.Check("exhausted:3")
	clock.Advance(2 * time.Minute)

	if !d.Check("exhausted:3") {
		t.Error("expected expired key to be re-accepted")
	}
}

func TestDedupSet_Forget(t *testing.T) {
	d := NewDedupSet()

	d.Check("logout:4")
	d.Forget("logout:4")

	if !d.Check("logout:4") {
		t.Error("expected forgotten key to be accepted again")
	}
}

func TestDedupSet_DropsOldestWhenFull(t *testing.T) {
	clock := &mockClock{t: time.Now()}
	d := NewDedupSet(WithMaxEntries(3), WithDedupTTL(time.Hour), WithClock(clock.Now))

	for _, key := range []string{"a", "b", "c", "d"} {
		d.Check(key)
		clock.Advance(time.Second)
	}

	if d.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", d.Len())
	}
	// "a" was the oldest and made room for "d".
	if !d.Check("a") {
		t.Error("expected oldest key to have been dropped")
	}
	if d.Check("d") {
		t.Error("expected newest key to be remembered")
	}
}

func TestDedupSet_EvictExpired(t *testing.T) {
	clock := &mockClock{t: time.Now()}
	d := NewDedupSet(WithDedupTTL(time.Minute), WithClock(clock.Now))

	d.Check("a")
	d.Check("b")
	clock.Advance(2 * time.Minute)
	d.EvictExpired()

	if d.Len() != 0 {
		t.Errorf("expected 0 entries after eviction, got %d", d.Len())
	}
}

func TestDedupSet_ConcurrentAccess(t *testing.T) {
	d := NewDedupSet()

	var wg sync.WaitGroup
	accepted := make([]bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			accepted[idx] = d.Check("qr:7")
		}(i)
	}
	wg.Wait()

	count := 0
	for _, a := range accepted {
		if a {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly 1 accepted, got %d", count)
	}
}
