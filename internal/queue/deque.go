package queue

// deque is a growable ring buffer supporting push and pop at both ends.
// It is not safe for concurrent use; WorkspaceQueue guards it.
type deque[T any] struct {
	buf     []T
	head    int
	count   int
	resizes int
}

func newDeque[T any](initialCapacity int) *deque[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &deque[T]{buf: make([]T, initialCapacity)}
}

func (d *deque[T]) len() int { return d.count }

func (d *deque[T]) pushBack(item T) {
	if d.count == len(d.buf) {
		d.grow()
	}
	d.buf[(d.head+d.count)%len(d.buf)] = item
	d.count++
}

func (d *deque[T]) pushFront(item T) {
	if d.count == len(d.buf) {
		d.grow()
	}
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = item
	d.count++
}

func (d *deque[T]) popFront() (T, bool) {
	var zero T
	if d.count == 0 {
		return zero, false
	}
	item := d.buf[d.head]
	d.buf[d.head] = zero // clear reference for GC
	d.head = (d.head + 1) % len(d.buf)
	d.count--
	return item, true
}

// at returns the i-th element from the front.
func (d *deque[T]) at(i int) T {
	return d.buf[(d.head+i)%len(d.buf)]
}

// removeFunc deletes the first element matching fn, preserving order.
func (d *deque[T]) removeFunc(fn func(T) bool) (T, bool) {
	var zero T
	for i := 0; i < d.count; i++ {
		if !fn(d.at(i)) {
			continue
		}
		item := d.at(i)
		for j := i; j < d.count-1; j++ {
			d.buf[(d.head+j)%len(d.buf)] = d.at(j + 1)
		}
		d.buf[(d.head+d.count-1)%len(d.buf)] = zero
		d.count--
		return item, true
	}
	return zero, false
}

// drain removes and returns every element in order.
func (d *deque[T]) drain() []T {
	out := make([]T, 0, d.count)
	for d.count > 0 {
		item, _ := d.popFront()
		out = append(out, item)
	}
	return out
}

// grow doubles the capacity, unwrapping the ring.
func (d *deque[T]) grow() {
	newBuf := make([]T, len(d.buf)*2)
	if d.count > 0 {
		if d.head+d.count <= len(d.buf) {
			copy(newBuf, d.buf[d.head:d.head+d.count])
		} else {
			n := copy(newBuf, d.buf[d.head:])
			copy(newBuf[n:], d.buf[:d.count-n])
		}
	}
	d.buf = newBuf
	d.head = 0
	d.resizes++
}
