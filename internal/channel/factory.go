//go:build !debug

package channel

// New creates a mailbox with the given buffer size. Builds tagged debug
// get unbuffered mailboxes instead, which surfaces ordering assumptions.
func New[T any](size int) Channel[T] {
	return NewBuffered[T](size)
}
