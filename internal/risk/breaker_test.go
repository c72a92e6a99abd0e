package risk

import (
	"testing"
	"time"

	"makerflow/config"
)

func TestBreakerTripsOnVolatilitySpike(t *testing.T) {
	b := NewCircuitBreaker(config.CircuitBreakerConfig{
		VolThreshold: 1000, WindowSize: 20, Cooldown: time.Minute,
	})
	base := time.Now()
	b.now = func() time.Time { return base }

	// steady prices keep the breaker quiet
	for i := 0; i < 10; i++ {
		if ch := b.Observe("BTCUSDT", 100); ch != nil {
			t.Fatalf("breaker moved on flat prices: %+v", ch)
		}
	}

	// a violent swing trips it exactly once
	var tripped bool
	for _, p := range []float64{100, 120, 90, 130, 85} {
		if ch := b.Observe("BTCUSDT", p); ch != nil {
			if !ch.Triggered {
				t.Fatalf("expected trip, got reset: %+v", ch)
			}
			if tripped {
				t.Fatal("breaker tripped twice without reset")
			}
			tripped = true
		}
	}
	if !tripped {
		t.Fatal("breaker never tripped")
	}
	if !b.Triggered("BTCUSDT") {
		t.Fatal("Triggered() false after trip")
	}
}

func TestBreakerCooldownAutoClears(t *testing.T) {
	b := NewCircuitBreaker(config.CircuitBreakerConfig{
		VolThreshold: 1000, WindowSize: 20, Cooldown: time.Minute,
	})
	base := time.Now()
	b.now = func() time.Time { return base }

	for _, p := range []float64{100, 120, 90, 130, 85} {
		b.Observe("BTCUSDT", p)
	}
	if !b.Triggered("BTCUSDT") {
		t.Fatal("breaker did not trip")
	}

	// inside the cooldown the sweep leaves it triggered
	if resets := b.Sweep(); len(resets) != 0 {
		t.Fatalf("sweep reset inside cooldown: %+v", resets)
	}

	base = base.Add(2 * time.Minute)
	resets := b.Sweep()
	if _, ok := resets["BTCUSDT"]; !ok {
		t.Fatal("sweep did not clear expired cooldown")
	}
	if b.Triggered("BTCUSDT") {
		t.Fatal("breaker still triggered after cooldown")
	}
}

func TestBreakerSymbolsIndependent(t *testing.T) {
	b := NewCircuitBreaker(config.CircuitBreakerConfig{
		VolThreshold: 1000, WindowSize: 20, Cooldown: time.Minute,
	})
	for _, p := range []float64{100, 120, 90, 130, 85} {
		b.Observe("BTCUSDT", p)
	}
	for i := 0; i < 10; i++ {
		b.Observe("ETHUSDT", 2000)
	}
	if !b.Triggered("BTCUSDT") || b.Triggered("ETHUSDT") {
		t.Fatal("breaker state leaked across symbols")
	}
}
