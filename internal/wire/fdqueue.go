package wire

import "golang.org/x/sys/unix"

// MaxQueuedFds bounds the descriptors a reader may hold ahead of the
// messages that claim them. libwayland keeps them in a 4 KiB ring.
const MaxQueuedFds = 1024

// FdQueue holds descriptors received on one socket until the messages that
// declare them are decoded. The queue owns every descriptor it holds.
type FdQueue struct {
	fds []int
}

// Push appends received descriptors in arrival order.
func (q *FdQueue) Push(fds ...int) {
	q.fds = append(q.fds, fds...)
}

// Len returns the number of queued descriptors.
func (q *FdQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.fds)
}

// Full reports whether more than MaxQueuedFds descriptors are queued.
func (q *FdQueue) Full() bool {
	return q.Len() > MaxQueuedFds
}

// Pop removes and returns the n oldest descriptors. Ownership passes to the
// caller. It returns nil if fewer than n are queued.
func (q *FdQueue) Pop(n int) []int {
	if n == 0 || q.Len() < n {
		return nil
	}
	out := make([]int, n)
	copy(out, q.fds[:n])
	q.fds = append(q.fds[:0], q.fds[n:]...)
	return out
}

// CloseAll closes every queued descriptor and empties the queue. It returns
// the number of descriptors closed.
func (q *FdQueue) CloseAll() int {
	if q == nil {
		return 0
	}
	n := len(q.fds)
	CloseFds(q.fds)
	q.fds = q.fds[:0]
	return n
}

// CloseFds closes each descriptor once, ignoring errors.
func CloseFds(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
