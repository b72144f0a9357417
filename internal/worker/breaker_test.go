package worker

import (
	"testing"
	"time"

	"github.com/fluxline/conductor/model"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(3, 2, 100*time.Millisecond)

	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := b.Allow("Nyra"); err != nil {
		t.Errorf("Allow = %v, want nil", err)
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 2, 100*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	err := b.Allow("Nyra")
	if !model.HasCode(err, model.ErrUnroutableEvent) {
		t.Errorf("Allow while open = %v, want UNROUTABLE_EVENT", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, 2, 100*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(1, 1, 10*time.Millisecond)

	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want open", s)
	}

	time.Sleep(20 * time.Millisecond)

	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after cooldown = %v, want half-open", s)
	}
	if err := b.Allow("Nyra"); err != nil {
		t.Errorf("Allow in half-open = %v, want nil", err)
	}
}

func TestBreakerClosesAfterSuccessRun(t *testing.T) {
	b := NewBreaker(1, 2, 10*time.Millisecond)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	_ = b.Allow("Nyra")

	b.RecordSuccess()
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 success = %v, want half-open", s)
	}
	b.RecordSuccess()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 successes = %v, want closed", s)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := NewBreaker(1, 2, 10*time.Millisecond)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	_ = b.Allow("Nyra")

	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after half-open failure = %v, want open", s)
	}
}

func TestBreakerSetSharesPerWorker(t *testing.T) {
	set := NewBreakerSet(func() *Breaker {
		return NewBreaker(1, 1, time.Minute)
	})

	set.For("Nyra").RecordFailure()

	if s := set.For("Nyra").State(); s != BreakerOpen {
		t.Errorf("Nyra breaker = %v, want open", s)
	}
	if s := set.For("Solari").State(); s != BreakerClosed {
		t.Errorf("Solari breaker = %v, want closed", s)
	}
}
