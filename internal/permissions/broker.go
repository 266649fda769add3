package permissions

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the state of a permission grant request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusGranted  Status = "granted"
	StatusRefused  Status = "refused"
	StatusTimedOut Status = "timed_out"
)

// Request is a pending optional-permission grant prompt.
type Request struct {
	ID         string     `json:"id"`
	Permission string     `json:"permission"`
	CreatedAt  time.Time  `json:"created_at"`
	Status     Status     `json:"status"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`

	// done is signaled when the request is resolved
	done chan struct{}
}

// Broker resolves optional-permission grant requests. Features that depend on
// an optional browser permission (the WebRTC policy toggle) request the grant
// here and fall back to disabled when it is refused or times out.
type Broker interface {
	// Request asks for a permission grant and blocks until it is resolved,
	// times out, or the context is canceled. A refusal is not an error.
	Request(ctx context.Context, permission string) (bool, error)
}

// Queue is a Broker that parks requests until an external decision arrives.
// Unresolved requests are refused after the configured timeout.
type Queue struct {
	mu       sync.RWMutex
	requests map[string]*Request
	timeout  time.Duration
	nextID   int

	subMu   sync.RWMutex
	subs    map[int]chan *Request
	nextSub int
}

// NewQueue creates a permission queue with the given prompt timeout.
func NewQueue(timeout time.Duration) *Queue {
	return &Queue{
		requests: make(map[string]*Request),
		timeout:  timeout,
		subs:     make(map[int]chan *Request),
	}
}

// Request enqueues a grant prompt and blocks until it is resolved or times out.
func (q *Queue) Request(ctx context.Context, permission string) (bool, error) {
	req := q.enqueue(permission)
	q.notifySubscribers(req)

	select {
	case <-req.done:
		q.mu.RLock()
		defer q.mu.RUnlock()
		return req.Status == StatusGranted, nil

	case <-time.After(q.timeout):
		q.mu.Lock()
		if req.Status == StatusPending {
			req.Status = StatusTimedOut
			now := time.Now()
			req.DecidedAt = &now
		}
		granted := req.Status == StatusGranted
		q.mu.Unlock()
		return granted, nil

	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (q *Queue) enqueue(permission string) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	req := &Request{
		ID:         fmt.Sprintf("perm-%d", q.nextID),
		Permission: permission,
		CreatedAt:  time.Now(),
		Status:     StatusPending,
		done:       make(chan struct{}),
	}
	q.requests[req.ID] = req
	return req
}

// Grant resolves a pending request as granted.
func (q *Queue) Grant(id string) error {
	return q.resolve(id, StatusGranted)
}

// Refuse resolves a pending request as refused.
func (q *Queue) Refuse(id string) error {
	return q.resolve(id, StatusRefused)
}

func (q *Queue) resolve(id string, status Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return fmt.Errorf("permission request %q not found", id)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("permission request %q already resolved: %s", id, req.Status)
	}

	req.Status = status
	now := time.Now()
	req.DecidedAt = &now
	close(req.done)
	return nil
}

// Pending returns all unresolved requests.
func (q *Queue) Pending() []*Request {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var pending []*Request
	for _, req := range q.requests {
		if req.Status == StatusPending {
			pending = append(pending, req)
		}
	}
	return pending
}

// Subscribe returns a channel receiving new grant prompts. The returned
// function cancels the subscription.
func (q *Queue) Subscribe() (<-chan *Request, func()) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	ch := make(chan *Request, 16)
	id := q.nextSub
	q.nextSub++
	q.subs[id] = ch

	cancel := func() {
		q.subMu.Lock()
		defer q.subMu.Unlock()
		delete(q.subs, id)
		close(ch)
	}
	return ch, cancel
}

func (q *Queue) notifySubscribers(req *Request) {
	q.subMu.RLock()
	defer q.subMu.RUnlock()
	for _, ch := range q.subs {
		select {
		case ch <- req:
		default:
		}
	}
}

// Static is a Broker with a fixed answer, for wiring where no prompt UI
// exists (replay, tests).
type Static bool

func (s Static) Request(context.Context, string) (bool, error) {
	return bool(s), nil
}
