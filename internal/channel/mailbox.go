package channel

import "sync/atomic"

// Mailbox is a Go channel that counts the values TrySend had to drop.
// A zero capacity makes every TrySend depend on a waiting receiver.
type Mailbox[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// NewBuffered creates a mailbox holding up to size values.
func NewBuffered[T any](size int) *Mailbox[T] {
	if size < 0 {
		size = 0
	}
	return &Mailbox[T]{ch: make(chan T, size)}
}

// NewUnbuffered creates a mailbox where every send is a hand-off.
func NewUnbuffered[T any]() *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T)}
}

// Send blocks until the value is accepted.
func (m *Mailbox[T]) Send(v T) {
	m.ch <- v
}

// TrySend enqueues v unless the mailbox is full.
func (m *Mailbox[T]) TrySend(v T) bool {
	select {
	case m.ch <- v:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

func (m *Mailbox[T]) Receive() <-chan T {
	return m.ch
}

// Len returns the number of queued values, always 0 when unbuffered.
func (m *Mailbox[T]) Len() int {
	return len(m.ch)
}

// Dropped returns how many TrySend calls failed.
func (m *Mailbox[T]) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Mailbox[T]) Close() {
	close(m.ch)
}
