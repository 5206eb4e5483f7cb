package session

import "sync"

// summaryQueue is a bounded FIFO of session ids that ignores ids already
// waiting.
type summaryQueue struct {
	mu      sync.Mutex
	items   []string
	pending map[string]bool
	limit   int
	signal  chan struct{}
}

func newSummaryQueue(limit int) *summaryQueue {
	return &summaryQueue{
		pending: make(map[string]bool),
		limit:   limit,
		signal:  make(chan struct{}, 1),
	}
}

// push enqueues id. It reports false when id is already queued or the
// queue is full.
func (q *summaryQueue) push(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[id] || (q.limit > 0 && len(q.items) >= q.limit) {
		return false
	}
	q.items = append(q.items, id)
	q.pending[id] = true

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *summaryQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	delete(q.pending, id)
	return id, true
}

func (q *summaryQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.pending[id] {
		return
	}
	delete(q.pending, id)
	for i, v := range q.items {
		if v == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
}

func (q *summaryQueue) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.items...)
}
