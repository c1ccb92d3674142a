package core

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"loanledger/core/types"
	"loanledger/native/collateral"
)

func streamEvent(kind string) *types.Event {
	return &types.Event{Type: kind, Attributes: map[string]string{"collateral_id": "1-loan1"}}
}

func TestEventStreamEmitConcurrentWithCancel(t *testing.T) {
	stream := NewEventStream()
	const subscribers = 64

	stops := make([]func(), 0, subscribers)
	for i := 0; i < subscribers; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		_, stop, _ := stream.Subscribe(ctx, "")
		stops = append(stops, stop, cancel)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			stream.Emit(collateral.WrapEvent(streamEvent(collateral.EventTypeDeposited)))
		}
	}()
	for _, stop := range stops {
		wg.Add(1)
		go func(stop func()) {
			defer wg.Done()
			stop()
		}(stop)
	}
	wg.Wait()

	stream.mu.Lock()
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected every subscriber removed, %d left", remaining)
	}
}

func TestEventStreamCancelReleasesWatcher(t *testing.T) {
	stream := NewEventStream()
	baseline := runtime.NumGoroutine()

	for i := 0; i < 32; i++ {
		_, stop, _ := stream.Subscribe(context.Background(), "")
		stop()
	}
	for i := 0; i < 32; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		_, stop, _ := stream.Subscribe(ctx, "")
		stop()
		cancel()
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > baseline+2 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription watchers leaked: %d goroutines, baseline %d", runtime.NumGoroutine(), baseline)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventStreamContextCancelClosesUpdates(t *testing.T) {
	stream := NewEventStream()
	ctx, cancel := context.WithCancel(context.Background())
	updates, stop, _ := stream.Subscribe(ctx, "")
	defer stop()

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatalf("expected closed channel after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("updates channel not closed after context cancel")
	}
	stream.Emit(collateral.WrapEvent(streamEvent(collateral.EventTypeTaxPaid)))
}
