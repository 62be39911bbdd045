// Package channel provides the mailboxes between goroutines: change feed
// subscribers, websocket send queues and the session inbox.
package channel

// Receiver provides read access to a channel.
type Receiver[T any] interface {
	Receive() <-chan T
	Len() int
}

// Sender provides write access to a channel.
type Sender[T any] interface {
	// Send blocks until the value is accepted.
	Send(T)
	// TrySend never blocks; it reports false when the value was dropped.
	TrySend(T) bool
	// Dropped counts the values TrySend rejected.
	Dropped() uint64
}

// Channel combines read and write access.
type Channel[T any] interface {
	Receiver[T]
	Sender[T]
	Close()
}
