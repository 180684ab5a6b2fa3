package breaker

import (
	"testing"
	"time"

	"github.com/sergeybar/ak-gateway/internal/clock"
)

func TestClosedAllowsUntilThreshold(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	b := New(clk, 3, time.Minute, time.Hour)

	for i := 0; i < 2; i++ {
		allowed, trial := b.Allow("tenant-a")
		if !allowed || trial {
			t.Fatalf("iteration %d: expected allowed=true trial=false, got %v %v", i, allowed, trial)
		}
		b.RecordResult("tenant-a", false, true)
	}
	if b.CurrentState("tenant-a") != Closed {
		t.Fatalf("expected still closed below threshold, got %v", b.CurrentState("tenant-a"))
	}

	b.RecordResult("tenant-a", false, true)
	allowed, _ := b.Allow("tenant-a")
	if allowed {
		t.Fatal("expected breaker to open at threshold")
	}
	if b.CurrentState("tenant-a") != Open {
		t.Fatalf("expected open, got %v", b.CurrentState("tenant-a"))
	}
}

func TestUncountedFailuresDoNotTrip(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	b := New(clk, 2, time.Minute, time.Hour)

	b.RecordResult("tenant-a", false, false)
	b.RecordResult("tenant-a", false, false)
	b.RecordResult("tenant-a", false, false)

	if b.CurrentState("tenant-a") != Closed {
		t.Fatalf("uncounted failures should never trip the breaker, got %v", b.CurrentState("tenant-a"))
	}
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	b := New(clk, 1, time.Minute, 30*time.Second)

	b.RecordResult("tenant-a", false, true)
	if b.CurrentState("tenant-a") != Open {
		t.Fatalf("expected open after one counted failure at threshold 1, got %v", b.CurrentState("tenant-a"))
	}

	clk.Advance(31 * time.Second)

	allowed1, trial1 := b.Allow("tenant-a")
	if !allowed1 || !trial1 {
		t.Fatalf("expected the first post-reset call to be the trial, got %v %v", allowed1, trial1)
	}

	allowed2, trial2 := b.Allow("tenant-a")
	if allowed2 {
		t.Fatalf("expected second concurrent call to be refused while trial in flight, got %v %v", allowed2, trial2)
	}

	b.RecordResult("tenant-a", true, true)
	if b.CurrentState("tenant-a") != Closed {
		t.Fatalf("expected closed after successful trial, got %v", b.CurrentState("tenant-a"))
	}
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	b := New(clk, 1, time.Minute, 30*time.Second)

	b.RecordResult("tenant-a", false, true)
	clk.Advance(31 * time.Second)

	_, trial := b.Allow("tenant-a")
	if !trial {
		t.Fatal("expected trial")
	}
	b.RecordResult("tenant-a", false, true)

	if b.CurrentState("tenant-a") != Open {
		t.Fatalf("expected reopened after failed trial, got %v", b.CurrentState("tenant-a"))
	}
}

func TestFailureWindowResetsStaleCount(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	b := New(clk, 3, 10*time.Second, time.Hour)

	b.RecordResult("tenant-a", false, true)
	b.RecordResult("tenant-a", false, true)

	clk.Advance(11 * time.Second)

	b.RecordResult("tenant-a", false, true)
	if b.CurrentState("tenant-a") != Closed {
		t.Fatalf("expected stale failures outside window to be discarded, got %v", b.CurrentState("tenant-a"))
	}
}

func TestIndependentTenantsDoNotShareState(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	b := New(clk, 1, time.Minute, time.Hour)

	b.RecordResult("tenant-a", false, true)
	if b.CurrentState("tenant-a") != Open {
		t.Fatal("expected tenant-a open")
	}
	if b.CurrentState("tenant-b") != Closed {
		t.Fatal("expected tenant-b unaffected")
	}
}
