package events

import (
	"testing"
	"time"

	"makerflow/models"
)

func TestSubscribeByKind(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	orders := bus.Subscribe("orders", models.EventOrder)
	all := bus.Subscribe("all")

	bus.Publish(models.Event{Kind: models.EventOrder, Symbol: "BTCUSDT"})
	bus.Publish(models.Event{Kind: models.EventMarket, Symbol: "BTCUSDT"})

	select {
	case ev := <-orders.C:
		if ev.Kind != models.EventOrder {
			t.Fatalf("unexpected kind %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("order subscriber received nothing")
	}
	select {
	case ev := <-orders.C:
		t.Fatalf("order subscriber received filtered event %s", ev.Kind)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all.C:
		case <-time.After(time.Second):
			t.Fatalf("all subscriber missing event %d", i)
		}
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	slow := bus.Subscribe("slow")
	fast := bus.Subscribe("fast")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(models.Event{Kind: models.EventMarket})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The fast consumer still drains whatever fit in its buffer.
	select {
	case <-fast.C:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber received nothing")
	}
	_ = slow
}

func TestCancelRemovesSubscription(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	sub := bus.Subscribe("tmp")
	sub.Cancel()

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after cancel")
	}
	// Publishing after cancel must not panic.
	bus.Publish(models.Event{Kind: models.EventMarket})
}
