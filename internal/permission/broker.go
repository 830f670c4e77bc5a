package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Decision string

const (
	DecisionOnce   Decision = "once"
	DecisionAlways Decision = "always"
	DecisionReject Decision = "reject"
)

func ParseDecision(raw string) (Decision, bool) {
	switch Decision(strings.ToLower(strings.TrimSpace(raw))) {
	case DecisionOnce:
		return DecisionOnce, true
	case DecisionAlways:
		return DecisionAlways, true
	case DecisionReject:
		return DecisionReject, true
	default:
		return "", false
	}
}

var (
	ErrRequestNotFound = errors.New("permission request not found")
	ErrCancelled       = errors.New("permission request cancelled")
)

// RejectedError is returned from Ask when the request was rejected.
type RejectedError struct {
	Permission string
	Reason     string
}

func (e *RejectedError) Error() string {
	if strings.TrimSpace(e.Reason) != "" {
		return fmt.Sprintf("permission %q rejected: %s", e.Permission, e.Reason)
	}
	return fmt.Sprintf("permission %q rejected", e.Permission)
}

type Request struct {
	ID        string
	SessionID string
	// Origin identifies the prompt that raised the request. Several prompts
	// can be queued on one session, so handlers match on it.
	Origin     string
	Permission string
	Message    string
	Metadata   map[string]any
}

// Handler is offered every request asked on its session. It returns true to
// claim the request; the claimant is then responsible for a later Reply or
// Cancel.
type Handler func(req Request) bool

// Fallback decides requests nobody claimed.
type Fallback func(ctx context.Context, req Request) Decision

type reply struct {
	decision  Decision
	message   string
	cancelled bool
}

type handlerEntry struct {
	id int
	fn Handler
}

type pendingRequest struct {
	req Request
	ch  chan reply
}

type Broker struct {
	mu       sync.Mutex
	handlers map[string][]handlerEntry
	nextID   int
	pending  map[string]*pendingRequest
	always   map[string]map[string]struct{}
	fallback Fallback
}

func NewBroker(fallback Fallback) *Broker {
	if fallback == nil {
		fallback = func(context.Context, Request) Decision { return DecisionOnce }
	}
	return &Broker{
		handlers: make(map[string][]handlerEntry),
		pending:  make(map[string]*pendingRequest),
		always:   make(map[string]map[string]struct{}),
		fallback: fallback,
	}
}

// OnAsked registers h for requests on sessionID. Handlers are offered
// requests in registration order. The returned func releases the
// registration and is safe to call more than once.
func (b *Broker) OnAsked(sessionID string, h Handler) func() {
	sessionID = strings.TrimSpace(sessionID)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[sessionID] = append(b.handlers[sessionID], handlerEntry{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			entries := b.handlers[sessionID]
			for i, entry := range entries {
				if entry.id == id {
					entries = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(entries) == 0 {
				delete(b.handlers, sessionID)
				return
			}
			b.handlers[sessionID] = entries
		})
	}
}

func (b *Broker) HandlerCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[strings.TrimSpace(sessionID)])
}

// Ask blocks until the request is answered, cancelled, or ctx ends. A nil
// error means the permission was granted.
func (b *Broker) Ask(ctx context.Context, req Request) (Decision, error) {
	if strings.TrimSpace(req.ID) == "" {
		req.ID = "perm_" + uuid.NewString()
	}
	req.SessionID = strings.TrimSpace(req.SessionID)

	b.mu.Lock()
	if _, ok := b.always[req.SessionID][req.Permission]; ok {
		b.mu.Unlock()
		return DecisionAlways, nil
	}
	p := &pendingRequest{req: req, ch: make(chan reply, 1)}
	b.pending[req.ID] = p
	handlers := append([]handlerEntry(nil), b.handlers[req.SessionID]...)
	b.mu.Unlock()

	claimed := false
	for _, entry := range handlers {
		if entry.fn(req) {
			claimed = true
			break
		}
	}
	if !claimed {
		b.forget(req.ID)
		decision := b.fallback(ctx, req)
		if decision == DecisionReject {
			return decision, &RejectedError{Permission: req.Permission}
		}
		return decision, nil
	}

	select {
	case r := <-p.ch:
		if r.cancelled {
			return DecisionReject, ErrCancelled
		}
		if r.decision == DecisionReject {
			return r.decision, &RejectedError{Permission: req.Permission, Reason: r.message}
		}
		return r.decision, nil
	case <-ctx.Done():
		b.forget(req.ID)
		return DecisionReject, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// Reply answers a pending request. "always" also grants the permission for
// the rest of the session.
func (b *Broker) Reply(requestID string, decision Decision, message string) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return ErrRequestNotFound
	}
	delete(b.pending, requestID)
	if decision == DecisionAlways {
		perms := b.always[p.req.SessionID]
		if perms == nil {
			perms = make(map[string]struct{})
			b.always[p.req.SessionID] = perms
		}
		perms[p.req.Permission] = struct{}{}
	}
	b.mu.Unlock()

	p.ch <- reply{decision: decision, message: message}
	return nil
}

// Cancel abandons a pending request; the asker unblocks with ErrCancelled.
func (b *Broker) Cancel(requestID string) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- reply{cancelled: true}
	return true
}

func (b *Broker) Pending(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[requestID]
	return ok
}

// ForgetSession drops the session's "always" grants.
func (b *Broker) ForgetSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.always, strings.TrimSpace(sessionID))
}

func (b *Broker) forget(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, requestID)
}
