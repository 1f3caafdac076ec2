package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(ttl time.Duration, maxSize int) (*ReplyCache[string], *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewReplyCache[string](Options{TTL: ttl, MaxSize: maxSize, Now: clock.Now}), clock
}

func TestReplyCacheReplaysWithinTTL(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	var calls int

	fn := func() (string, error) {
		calls++
		return "Done: Email Ana", nil
	}

	value, replayed, err := c.Do("s1:m1", fn)
	if err != nil || replayed || value != "Done: Email Ana" {
		t.Fatalf("first Do() = %q, %v, %v", value, replayed, err)
	}

	clock.Advance(30 * time.Second)
	value, replayed, err = c.Do("s1:m1", fn)
	if err != nil || !replayed || value != "Done: Email Ana" {
		t.Fatalf("second Do() = %q, %v, %v", value, replayed, err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	clock.Advance(time.Minute)
	if _, replayed, _ = c.Do("s1:m1", fn); replayed {
		t.Fatal("entry should expire after the TTL")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestReplyCacheDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	var calls int
	fail := func() (string, error) {
		calls++
		return "", errors.New("store unavailable")
	}

	for i := 0; i < 2; i++ {
		if _, replayed, err := c.Do("s1:m1", fail); err == nil || replayed {
			t.Fatalf("Do() = replayed %v, err %v", replayed, err)
		}
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if c.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", c.Size())
	}
}

func TestReplyCacheEmptyKeyAlwaysRuns(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	var calls int
	fn := func() (string, error) {
		calls++
		return "ok", nil
	}
	_, _, _ = c.Do("", fn)
	_, replayed, _ := c.Do("", fn)
	if replayed || calls != 2 {
		t.Fatalf("replayed = %v, calls = %d", replayed, calls)
	}

	var nilCache *ReplyCache[string]
	if v, _, err := nilCache.Do("k", fn); err != nil || v != "ok" {
		t.Fatalf("nil cache Do() = %q, %v", v, err)
	}
}

func TestReplyCacheMaxSize(t *testing.T) {
	c, clock := newTestCache(time.Hour, 2)
	for _, key := range []string{"a", "b", "c"} {
		key := key
		_, _, _ = c.Do(key, func() (string, error) { return key, nil })
		clock.Advance(time.Second)
	}
	if c.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", c.Size())
	}
	if _, replayed, _ := c.Do("a", func() (string, error) { return "a2", nil }); replayed {
		t.Fatal("oldest entry should have been evicted")
	}
}

func TestReplyCacheConcurrentCallsShareResult(t *testing.T) {
	c := NewReplyCache[string](Options{})
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	var replays atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, replayed, err := c.Do("s1:m1", func() (string, error) {
				calls.Add(1)
				<-release
				return "Done", nil
			})
			if err != nil || value != "Done" {
				t.Errorf("Do() = %q, %v", value, err)
			}
			if replayed {
				replays.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if replays.Load() != 7 {
		t.Fatalf("replays = %d, want 7", replays.Load())
	}
}

func TestMessageKey(t *testing.T) {
	tests := []struct {
		session, message, want string
	}{
		{"s1", "m1", "s1:m1"},
		{"s1", "", ""},
		{"", "m1", ":m1"},
	}
	for _, tt := range tests {
		if got := MessageKey(tt.session, tt.message); got != tt.want {
			t.Fatalf("MessageKey(%q, %q) = %q, want %q", tt.session, tt.message, got, tt.want)
		}
	}
}
