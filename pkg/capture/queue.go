package capture

// DefaultQueueCapacity bounds each category queue.
const DefaultQueueCapacity = 100

// queue is a bounded FIFO that rejects new items when full so earlier
// captures survive a burst. Reserved slots count against the capacity until
// the item they were held for arrives. Callers hold the pipeline lock.
type queue struct {
	items    []RawCapture
	cap      int
	reserved int
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &queue{cap: capacity}
}

func (q *queue) push(item RawCapture) bool {
	if len(q.items)+q.reserved >= q.cap {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// pushReserving pushes item and holds one more slot for a later
// pushReserved. Both slots must be free.
func (q *queue) pushReserving(item RawCapture) bool {
	if len(q.items)+q.reserved+2 > q.cap {
		return false
	}
	q.items = append(q.items, item)
	q.reserved++
	return true
}

// pushReserved fills a slot held by pushReserving, falling back to push
// when none is held.
func (q *queue) pushReserved(item RawCapture) bool {
	if q.reserved == 0 {
		return q.push(item)
	}
	q.reserved--
	q.items = append(q.items, item)
	return true
}

func (q *queue) release() {
	if q.reserved > 0 {
		q.reserved--
	}
}

func (q *queue) pop(n int) []RawCapture {
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]RawCapture, n)
	copy(batch, q.items[:n])
	rest := copy(q.items, q.items[n:])
	clear(q.items[rest:])
	q.items = q.items[:rest]
	return batch
}

func (q *queue) len() int {
	return len(q.items)
}

func (q *queue) reset() {
	clear(q.items)
	q.items = q.items[:0]
	q.reserved = 0
}
