package tokencache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

func TestGet_expiresAtBoundary(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ttls := []time.Duration{time.Nanosecond, time.Second, 30 * time.Second, time.Hour}
	for _, ttl := range ttls {
		clk := &fakeClock{t: base}
		c := New(ttl)
		c.SetClock(clk.Now)
		c.Put("cmd", "http://cdn/1")

		offsets := []time.Duration{0, ttl / 2, ttl - time.Nanosecond, ttl, ttl + time.Nanosecond, 2 * ttl}
		for _, off := range offsets {
			clk.Set(base.Add(off))
			_, ok := c.Get("cmd")
			want := off < ttl
			if ok != want {
				t.Errorf("ttl=%v now=issued+%v: hit=%v, want %v", ttl, off, ok, want)
			}
			if !want {
				break // evicted; later offsets would only re-check a miss
			}
		}
	}
}

func TestEntry_ValidAt(t *testing.T) {
	issued := time.Unix(1000, 0)
	e := Entry{IssuedAt: issued, TTL: 10 * time.Second}
	if !e.ValidAt(issued) {
		t.Error("valid at issue time")
	}
	if e.ValidAt(issued.Add(10 * time.Second)) {
		t.Error("boundary instant must be expired")
	}
	if (Entry{IssuedAt: issued}).ValidAt(issued) {
		t.Error("zero TTL is never valid")
	}
}

func TestGet_evictsLazily(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	c := New(time.Second)
	c.SetClock(clk.Now)
	c.Put("a", "u1")
	clk.Set(time.Unix(2, 0))
	if _, ok := c.Get("a"); ok {
		t.Fatal("expired entry returned")
	}
	if n := len(*c.snap.Load()); n != 0 {
		t.Errorf("expired entry not evicted: %d left", n)
	}
}

func TestForgetAndClear(t *testing.T) {
	c := New(time.Minute)
	c.Put("a", "u1")
	c.Put("b", "u2")
	c.Forget("a")
	if _, ok := c.Get("a"); ok {
		t.Error("forgotten key still served")
	}
	if u, ok := c.Get("b"); !ok || u != "u2" {
		t.Errorf("Get(b) = %q, %v", u, ok)
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d", c.Len())
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	c := New(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Get("k")
			}
		}()
	}
	for j := 0; j < 1000; j++ {
		c.Put("k", "u")
		if j%100 == 0 {
			c.Clear()
		}
	}
	wg.Wait()
}

func TestGet_hitWhileWriterHoldsLock(t *testing.T) {
	c := New(time.Minute)
	c.Put("cmd", "http://cdn/1")

	c.mu.Lock()
	defer c.mu.Unlock()
	done := make(chan bool, 1)
	go func() {
		_, ok := c.Get("cmd")
		done <- ok
	}()
	select {
	case ok := <-done:
		if !ok {
			t.Error("Get missed a fresh entry")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get blocked on the writer lock")
	}
}
