package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"lifecycle_backend/internal/events"
	platformevents "lifecycle_backend/platform/events"
	"lifecycle_backend/platform/logger"
)

type pingEvent struct{ platformevents.BaseEvent }

func (pingEvent) EventName() string { return "test.ping" }

func TestDrainWaitsForInFlightHandlers(t *testing.T) {
	bus := events.NewInMemoryBus(logger.NewWithWriter("test", io.Discard))
	release := make(chan struct{})
	var mu sync.Mutex
	handled := false
	bus.Subscribe(pingEvent{}.EventName(), platformevents.HandlerFunc(func(context.Context, platformevents.Event) error {
		<-release
		mu.Lock()
		handled = true
		mu.Unlock()
		return nil
	}))
	bus.Publish(context.Background(), pingEvent{BaseEvent: platformevents.NewBaseEvent()})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := drain(ctx, bus.Wait); err != nil {
		t.Fatalf("drain: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !handled {
		t.Fatalf("expected handler to finish before drain returned")
	}
}

func TestDrainRunsWaitsInOrder(t *testing.T) {
	var order []string
	first := func() { order = append(order, "first") }
	second := func() { order = append(order, "second") }

	if err := drain(context.Background(), first, second); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestDrainGivesUpWhenContextEnds(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := drain(ctx, func() { <-block })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
