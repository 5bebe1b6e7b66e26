package caldav

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingDiscoverer struct {
	calls   atomic.Int32
	delay   time.Duration
	err     error
	release chan struct{}
}

func (d *countingDiscoverer) Discover(ctx context.Context, creds Credentials) (*Collection, error) {
	d.calls.Add(1)
	if d.release != nil {
		<-d.release
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return nil, d.err
	}
	return &Collection{URL: "https://example.com/" + creds.Email + "/", Name: "Home"}, nil
}

func TestConnectionCache(t *testing.T) {
	ctx := context.Background()

	t.Run("memoizes per account", func(t *testing.T) {
		d := &countingDiscoverer{}
		cache := NewConnectionCache(d)

		for i := 0; i < 3; i++ {
			col, _, err := cache.GetOrCreate(ctx, "a", testCreds)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if col.URL != "https://example.com/mom@icloud.com/" {
				t.Errorf("unexpected URL %s", col.URL)
			}
		}
		if _, _, err := cache.GetOrCreate(ctx, "b", testCreds); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := d.calls.Load(); got != 2 {
			t.Errorf("expected 2 discoveries, got %d", got)
		}
		if cache.Len() != 2 {
			t.Errorf("expected 2 entries, got %d", cache.Len())
		}
	})

	t.Run("reports whether discovery ran", func(t *testing.T) {
		cache := NewConnectionCache(&countingDiscoverer{})

		_, discovered, _ := cache.GetOrCreate(ctx, "a", testCreds)
		if !discovered {
			t.Error("expected first call to discover")
		}
		_, discovered, _ = cache.GetOrCreate(ctx, "a", testCreds)
		if discovered {
			t.Error("expected second call to hit the cache")
		}
	})

	t.Run("invalidate forces rediscovery", func(t *testing.T) {
		d := &countingDiscoverer{}
		cache := NewConnectionCache(d)

		cache.GetOrCreate(ctx, "a", testCreds)
		cache.Invalidate("a")
		if _, ok := cache.Get("a"); ok {
			t.Error("expected entry to be gone")
		}
		cache.GetOrCreate(ctx, "a", testCreds)

		if got := d.calls.Load(); got != 2 {
			t.Errorf("expected 2 discoveries, got %d", got)
		}
	})

	t.Run("errors are not cached", func(t *testing.T) {
		d := &countingDiscoverer{err: ErrDiscovery}
		cache := NewConnectionCache(d)

		for i := 0; i < 2; i++ {
			if _, _, err := cache.GetOrCreate(ctx, "a", testCreds); !errors.Is(err, ErrDiscovery) {
				t.Errorf("expected ErrDiscovery, got %v", err)
			}
		}
		if got := d.calls.Load(); got != 2 {
			t.Errorf("expected 2 discoveries, got %d", got)
		}
		if cache.Len() != 0 {
			t.Errorf("expected empty cache, got %d", cache.Len())
		}
	})

	t.Run("concurrent misses share one discovery", func(t *testing.T) {
		d := &countingDiscoverer{delay: 50 * time.Millisecond}
		cache := NewConnectionCache(d)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, _, err := cache.GetOrCreate(ctx, "a", testCreds); err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if got := d.calls.Load(); got != 1 {
			t.Errorf("expected 1 discovery, got %d", got)
		}
	})

	t.Run("invalidate during discovery is not overwritten", func(t *testing.T) {
		d := &countingDiscoverer{release: make(chan struct{})}
		cache := NewConnectionCache(d)

		done := make(chan struct{})
		go func() {
			defer close(done)
			cache.GetOrCreate(ctx, "a", testCreds)
		}()

		for d.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cache.Invalidate("a")
		close(d.release)
		<-done

		if _, ok := cache.Get("a"); ok {
			t.Error("stale discovery repopulated the cache after Invalidate")
		}
	})

	t.Run("set primes the cache", func(t *testing.T) {
		d := &countingDiscoverer{}
		cache := NewConnectionCache(d)

		cache.Set("a", Collection{URL: "https://persisted/", Name: "Home"})
		col, discovered, err := cache.GetOrCreate(ctx, "a", testCreds)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if discovered || col.URL != "https://persisted/" {
			t.Errorf("expected primed entry, got %+v (discovered=%v)", col, discovered)
		}
		if d.calls.Load() != 0 {
			t.Error("expected no discovery")
		}
	})
}
