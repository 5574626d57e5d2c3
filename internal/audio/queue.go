package audio

import "sync"

// opQueue serializes lifecycle operations for one logical (room, connection)
// pair. Tasks run strictly in submission order, never concurrently, so a stop
// cannot race ahead of an in-flight start for the same connection.
type opQueue struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
}

func (q *opQueue) push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	if !q.running {
		q.running = true
		go q.drain()
	}
	q.mu.Unlock()
}

// empty reports whether no further tasks are waiting. The task currently
// executing, if any, is not counted.
func (q *opQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 0
}

func (q *opQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		fn()
	}
}
