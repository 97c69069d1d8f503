package backend

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFeed_BasicPushNext(t *testing.T) {
	f := newFeed[int](10, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if ok, _ := f.push(i); !ok {
			t.Fatalf("push(%d) returned false", i)
		}
	}

	if f.len() != 5 {
		t.Errorf("len() = %d, want 5", f.len())
	}

	for i := 0; i < 5; i++ {
		val, ok := f.next(ctx)
		if !ok {
			t.Fatalf("next() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}

	if f.len() != 0 {
		t.Errorf("len() = %d, want 0", f.len())
	}
}

func TestFeed_GrowAt70Percent(t *testing.T) {
	f := newFeed[int](10, 100)

	// 7 items is 70% of 10
	for i := 0; i < 7; i++ {
		f.push(i)
	}

	if f.capacity <= 10 {
		t.Errorf("capacity = %d, expected growth after 70%% fill", f.capacity)
	}
}

func TestFeed_MultipleGrows(t *testing.T) {
	f := newFeed[int](4, 1024)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if ok, dropped := f.push(i); !ok || dropped {
			t.Fatalf("push(%d) = %v, %v; want true, false", i, ok, dropped)
		}
	}

	if f.len() != 100 {
		t.Errorf("len() = %d, want 100", f.len())
	}

	for i := 0; i < 100; i++ {
		val, ok := f.next(ctx)
		if !ok {
			t.Fatalf("next() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}
}

func TestFeed_OverwritesOldestAtMax(t *testing.T) {
	f := newFeed[int](2, 4)
	ctx := context.Background()

	drops := 0
	for i := 1; i <= 6; i++ {
		if _, dropped := f.push(i); dropped {
			drops++
		}
	}

	if drops != 2 {
		t.Errorf("drops = %d, want 2", drops)
	}
	if f.dropped != 2 {
		t.Errorf("dropped = %d, want 2", f.dropped)
	}

	for _, want := range []int{3, 4, 5, 6} {
		got, ok := f.next(ctx)
		if !ok {
			t.Fatalf("next() failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestFeed_BlockingNext(t *testing.T) {
	f := newFeed[int](10, 100)

	received := make(chan int, 1)
	go func() {
		val, ok := f.next(context.Background())
		if ok {
			received <- val
		}
	}()

	// Give receiver time to start waiting
	time.Sleep(10 * time.Millisecond)

	f.push(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("received %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked next")
	}
}

func TestFeed_Close(t *testing.T) {
	f := newFeed[int](10, 100)
	ctx := context.Background()

	f.push(1)
	f.push(2)
	f.close()

	if ok, _ := f.push(3); ok {
		t.Error("push should return false after close")
	}

	// Buffered items are still drained
	for _, want := range []int{1, 2} {
		val, ok := f.next(ctx)
		if !ok || val != want {
			t.Errorf("next() = %d, %v; want %d, true", val, ok, want)
		}
	}

	if _, ok := f.next(ctx); ok {
		t.Error("next should return false when empty and closed")
	}

	// Second close is a no-op
	f.close()
}

func TestFeed_CloseUnblocksNext(t *testing.T) {
	f := newFeed[int](10, 100)

	done := make(chan bool, 1)
	go func() {
		_, ok := f.next(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	f.close()

	select {
	case ok := <-done:
		if ok {
			t.Error("next should return false when closed and empty")
		}
	case <-time.After(time.Second):
		t.Fatal("close did not unblock next")
	}
}

func TestFeed_ContextUnblocksNext(t *testing.T) {
	f := newFeed[int](10, 100)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := f.next(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("next should return false when ctx is done")
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock next")
	}
}

func TestFeed_ConcurrentPushNext(t *testing.T) {
	f := newFeed[int](10, 4096)
	const numItems = 1000
	ctx := context.Background()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			f.push(i)
		}
	}()

	received := make([]int, 0, numItems)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			val, ok := f.next(ctx)
			if ok {
				received = append(received, val)
			}
		}
	}()

	wg.Wait()

	if len(received) != numItems {
		t.Fatalf("received %d items, want %d", len(received), numItems)
	}
	// Single producer, single consumer: order is preserved
	for i, val := range received {
		if val != i {
			t.Fatalf("received[%d] = %d, want %d", i, val, i)
		}
	}
}

func TestFeed_WrapAround(t *testing.T) {
	f := newFeed[int](5, 100)
	ctx := context.Background()

	f.push(1)
	f.push(2)
	f.push(3)

	f.next(ctx)
	f.next(ctx)

	f.push(4)
	f.push(5)
	f.push(6)
	f.push(7)
	f.push(8)

	for _, want := range []int{3, 4, 5, 6, 7, 8} {
		got, ok := f.next(ctx)
		if !ok {
			t.Fatalf("next failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestNewFeed_MinCapacity(t *testing.T) {
	f := newFeed[int](0, 0)
	if f.capacity != 1 {
		t.Errorf("capacity = %d, want 1 for initial capacity 0", f.capacity)
	}
	if f.maxCapacity != 1 {
		t.Errorf("maxCapacity = %d, want 1", f.maxCapacity)
	}

	f = newFeed[int](-5, 10)
	if f.capacity != 1 {
		t.Errorf("capacity = %d, want 1 for negative initial capacity", f.capacity)
	}
}
