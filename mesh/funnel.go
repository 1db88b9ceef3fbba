package mesh

import "sync"

// funnel is an unbounded multi-producer, single-consumer FIFO queue.
// push never blocks and is safe from any goroutine; events are consumed
// from a single channel by the coordinator run loop. Closing discards
// whatever is still buffered.
type funnel[T any] struct {
	mu     sync.Mutex
	buf    []T
	closed bool

	wake chan struct{}
	out  chan T
	done chan struct{}
}

func newFunnel[T any]() *funnel[T] {
	f := &funnel[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go f.pump()
	return f
}

// push enqueues v. After close it is a silent no-op.
func (f *funnel[T]) push(v T) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.buf = append(f.buf, v)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// events is the single-consumer side. The channel is closed after close.
func (f *funnel[T]) events() <-chan T {
	return f.out
}

func (f *funnel[T]) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	close(f.done)
}

func (f *funnel[T]) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		var next T
		ok := len(f.buf) > 0
		if ok {
			next = f.buf[0]
			f.buf = f.buf[1:]
			if len(f.buf) == 0 {
				f.buf = nil
			}
		}
		f.mu.Unlock()

		if !ok {
			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}

		select {
		case f.out <- next:
		case <-f.done:
			return
		}
	}
}
