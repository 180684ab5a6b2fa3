package keycache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sergeybar/ak-gateway/internal/clock"
)

func TestGetOrLoadCachesWithinTTL(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	c := New(clk, time.Minute)

	var calls int32
	loader := func(id string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("plaintext-" + id), nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrLoad("ak_1", loader)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(got) != "plaintext-ak_1" {
			t.Fatalf("unexpected plaintext: %q", got)
		}
	}
	if calls != 1 {
		t.Fatalf("expected loader called once, got %d", calls)
	}
}

func TestGetOrLoadReloadsAfterExpiry(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	c := New(clk, time.Minute)

	var calls int32
	loader := func(id string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("v"), nil
	}

	c.GetOrLoad("ak_1", loader)
	clk.Advance(61 * time.Second)
	c.GetOrLoad("ak_1", loader)

	if calls != 2 {
		t.Fatalf("expected reload after expiry, got %d calls", calls)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	c := New(clk, time.Hour)

	var calls int32
	loader := func(id string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("v"), nil
	}

	c.GetOrLoad("ak_1", loader)
	c.Invalidate("ak_1")
	c.GetOrLoad("ak_1", loader)

	if calls != 2 {
		t.Fatalf("expected reload after invalidate, got %d calls", calls)
	}
}

func TestConcurrentCallersCoalesceIntoOneLoad(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	c := New(clk, time.Minute)

	var calls int32
	release := make(chan struct{})
	loader := func(id string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	const n = 10
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c.GetOrLoad("ak_1", loader)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly one coalesced load, got %d", calls)
	}
}
