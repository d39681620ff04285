package service

// Queue holds pending requests in FIFO order plus the single active slot.
// It is owned by the service goroutine and is not safe for concurrent use.
type Queue struct {
	pending []*Request
	active  *Request
}

// Push appends r to the pending list.
func (q *Queue) Push(r *Request) {
	q.pending = append(q.pending, r)
}

// PushFront puts r back at the head of the pending list.
func (q *Queue) PushFront(r *Request) {
	q.pending = append([]*Request{r}, q.pending...)
}

// Pop removes and returns the oldest pending request.
func (q *Queue) Pop() *Request {
	if len(q.pending) == 0 {
		return nil
	}
	r := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return r
}

// Peek returns the oldest pending request without removing it.
func (q *Queue) Peek() *Request {
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	return len(q.pending)
}

// Clear empties the pending list and returns what was in it.
func (q *Queue) Clear() []*Request {
	dropped := q.pending
	q.pending = nil
	return dropped
}

// Active returns the in-flight request, or nil.
func (q *Queue) Active() *Request {
	return q.active
}

// SetActive sets the in-flight request.
func (q *Queue) SetActive(r *Request) {
	q.active = r
}

// TakeActive clears and returns the in-flight request.
func (q *Queue) TakeActive() *Request {
	r := q.active
	q.active = nil
	return r
}

// Idle reports whether nothing is in flight.
func (q *Queue) Idle() bool {
	return q.active == nil
}
