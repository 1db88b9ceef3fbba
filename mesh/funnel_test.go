package mesh

import (
	"sync"
	"testing"
	"time"
)

func TestFunnelPreservesFIFOOrder(t *testing.T) {
	f := newFunnel[int]()
	defer f.close()

	for i := 0; i < 100; i++ {
		f.push(i)
	}
	for i := 0; i < 100; i++ {
		select {
		case got := <-f.events():
			if got != i {
				t.Fatalf("out of order: got %d want %d", got, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for element %d", i)
		}
	}
}

func TestFunnelConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	f := newFunnel[[2]int]()
	defer f.close()

	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				f.push([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	last := make(map[int]int)
	for p := range last {
		last[p] = -1
	}
	for n := 0; n < producers*perProducer; n++ {
		select {
		case ev := <-f.events():
			p, i := ev[0], ev[1]
			if prev, ok := last[p]; ok && i != prev+1 {
				t.Fatalf("producer %d out of order: got %d after %d", p, i, prev)
			} else if !ok && i != 0 {
				t.Fatalf("producer %d first element is %d", p, i)
			}
			last[p] = i
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d elements", n)
		}
	}
}

func TestFunnelPushNeverBlocks(t *testing.T) {
	f := newFunnel[int]()
	defer f.close()

	// No consumer; a large burst must still return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			f.push(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked without a consumer")
	}
}

func TestFunnelCloseDiscardsBufferedAndClosesOut(t *testing.T) {
	f := newFunnel[int]()
	for i := 0; i < 50; i++ {
		f.push(i)
	}
	f.close()

	// Pushing after close is a silent no-op.
	f.push(99)
	f.close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-f.events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed")
		}
	}
}
