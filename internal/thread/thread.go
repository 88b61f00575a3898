package thread

import (
	"errors"
	"sync"
)

var ErrThreadExited = errors.New("thread has exited")

// Thread is a single goroutine executing posted messages in FIFO order.
// Every completion continuation of a channel runs on the thread that owns the channel,
// so per-request state never needs locking.
type Thread struct {
	name string

	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	stopping bool
	exited   bool
	// messages announced with Expect and not posted yet
	expected int

	done chan struct{}
}

func New(name string) *Thread {
	t := &Thread{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go t.run()

	return t
}

func (t *Thread) Name() string {
	return t.name
}

// Send posts fn to the thread. It never blocks.
func (t *Thread) Send(fn func()) error {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()

		return ErrThreadExited
	}

	t.queue = append(t.queue, fn)
	t.mu.Unlock()

	t.notify()

	return nil
}

// Expect announces a message another goroutine will post later with Fulfill.
// The thread does not exit before every announced message was posted and run.
func (t *Thread) Expect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.exited {
		return ErrThreadExited
	}

	t.expected++

	return nil
}

// Fulfill posts a message announced with Expect. It cannot fail.
func (t *Thread) Fulfill(fn func()) {
	t.mu.Lock()
	if t.expected == 0 {
		t.mu.Unlock()

		panic("thread: Fulfill without Expect")
	}

	t.expected--
	t.queue = append(t.queue, fn)
	t.mu.Unlock()

	t.notify()
}

func (t *Thread) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Stop lets the thread finish everything queued, including messages posted while draining
// and messages announced with Expect, and waits for it to exit.
func (t *Thread) Stop() {
	t.mu.Lock()
	t.stopping = true
	t.mu.Unlock()

	t.notify()

	<-t.done
}

// Done is closed once the thread has exited.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

func (t *Thread) run() {
	defer close(t.done)

	for {
		t.mu.Lock()
		batch := t.queue
		t.queue = nil

		if len(batch) == 0 {
			if t.stopping && t.expected == 0 {
				t.exited = true
				t.mu.Unlock()

				return
			}

			t.mu.Unlock()
			<-t.wake

			continue
		}

		t.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}
