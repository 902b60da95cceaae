package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/withmartian/ares/ares-relay/internal/log"
)

// DefaultRetention is how long settled requests stay visible to Get.
const DefaultRetention = 10 * time.Minute

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// MaxPending caps unresolved requests. 0 means no limit.
	MaxPending int
	// Retention keeps settled requests around so late replies can still be
	// acknowledged. 0 or less forgets them as soon as they settle.
	Retention time.Duration
	// OnSettle is called after every terminal transition, outside the lock.
	OnSettle func(PendingRequest)
}

type entry struct {
	req        PendingRequest
	completion *Completion
}

// Registry holds in-flight requests and owns every state transition on them,
// so exactly one of reply, timeout or cancellation settles each request.
type Registry struct {
	// mu guards pending, order and the settle step of each completion
	mu sync.Mutex
	// pending maps request ID to its live entry
	pending map[string]*entry
	// order keeps registration order for listings
	order []string
	// retained holds snapshots of settled requests until they expire
	retained *gocache.Cache

	maxPending int
	retention  time.Duration
	onSettle   func(PendingRequest)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	cleanup := cfg.Retention
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &Registry{
		pending:    make(map[string]*entry),
		order:      make([]string, 0),
		retained:   gocache.New(cfg.Retention, cleanup),
		maxPending: cfg.MaxPending,
		retention:  cfg.Retention,
		onSettle:   cfg.OnSettle,
	}
}

// Register adds a new unresolved request and returns its ID along with the
// completion the caller should wait on.
func (r *Registry) Register(prompt json.RawMessage) (string, *Completion, error) {
	// Generate a unique ID for this request
	id := uuid.New().String()

	req := PendingRequest{
		ID:        id,
		Request:   prompt,
		Text:      PromptText(prompt),
		Model:     RequestedModel(prompt),
		Stream:    WantsStream(prompt),
		Timestamp: time.Now(),
		State:     StatePending,
	}
	c := newCompletion()

	r.mu.Lock()
	if r.maxPending > 0 && len(r.pending) >= r.maxPending {
		r.mu.Unlock()
		return "", nil, fmt.Errorf("register request: %w (limit %d)", ErrCapacity, r.maxPending)
	}
	r.pending[id] = &entry{req: req, completion: c}
	r.order = append(r.order, id)
	r.mu.Unlock()

	log.Debug(log.CatRelay, "request registered", "id", id, "stream", req.Stream)
	return id, c, nil
}

// Get returns a snapshot of a live or recently settled request.
func (r *Registry) Get(id string) (PendingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.pending[id]; ok {
		return e.req, nil
	}
	if v, ok := r.retained.Get(id); ok {
		if req, ok := v.(PendingRequest); ok {
			return req, nil
		}
	}
	return PendingRequest{}, fmt.Errorf("request ID %s: %w", id, ErrNotFound)
}

// ListUnresolved returns snapshots of every request still waiting for a
// reply, in registration order.
func (r *Registry) ListUnresolved() []PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	requests := make([]PendingRequest, 0, len(r.order))
	for _, id := range r.order {
		if e, ok := r.pending[id]; ok {
			requests = append(requests, e.req)
		}
	}
	return requests
}

// Len returns the number of unresolved requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Resolve settles a request successfully. It returns false without error if
// the request had already been settled by someone else.
func (r *Registry) Resolve(id string, result *ChatCompletion) (bool, error) {
	return r.transition(id, result, nil)
}

// Fail settles a request with err. A nil err is treated as ErrCanceled.
// It returns false without error if the request had already been settled.
func (r *Registry) Fail(id string, err error) (bool, error) {
	if err == nil {
		err = ErrCanceled
	}
	return r.transition(id, nil, err)
}

// ExpireOlderThan fails every unresolved request registered before cutoff
// with ErrTimeout and returns their IDs.
func (r *Registry) ExpireOlderThan(cutoff time.Time) []string {
	r.mu.Lock()
	var expired []PendingRequest
	for _, id := range r.order {
		e, ok := r.pending[id]
		if !ok || !e.req.Timestamp.Before(cutoff) {
			continue
		}
		if snap, won := r.settleLocked(e, nil, ErrTimeout); won {
			expired = append(expired, snap)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, snap := range expired {
		ids = append(ids, snap.ID)
		r.notify(snap)
	}
	return ids
}

// Drain fails every unresolved request with err and returns their IDs.
func (r *Registry) Drain(err error) []string {
	r.mu.Lock()
	var drained []PendingRequest
	for _, id := range append([]string(nil), r.order...) {
		e, ok := r.pending[id]
		if !ok {
			continue
		}
		if snap, won := r.settleLocked(e, nil, err); won {
			drained = append(drained, snap)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(drained))
	for _, snap := range drained {
		ids = append(ids, snap.ID)
		r.notify(snap)
	}
	return ids
}

func (r *Registry) transition(id string, result *ChatCompletion, err error) (bool, error) {
	r.mu.Lock()
	e, ok := r.pending[id]
	if !ok {
		_, retained := r.retained.Get(id)
		r.mu.Unlock()
		if retained {
			return false, nil
		}
		return false, fmt.Errorf("request ID %s: %w", id, ErrNotFound)
	}
	snap, won := r.settleLocked(e, result, err)
	r.mu.Unlock()

	if won {
		r.notify(snap)
	}
	return won, nil
}

// settleLocked moves e out of the live set. Must be called with r.mu held.
func (r *Registry) settleLocked(e *entry, result *ChatCompletion, err error) (PendingRequest, bool) {
	var won bool
	if err != nil {
		won = e.completion.fail(err)
	} else {
		won = e.completion.resolve(result)
	}
	if !won {
		return PendingRequest{}, false
	}

	snap := e.req
	snap.SettledAt = time.Now()
	if err != nil {
		snap.State = StateFailed
		snap.Err = err
	} else {
		snap.State = StateResolved
		snap.Result = result
	}

	delete(r.pending, snap.ID)
	r.removeFromOrderLocked(snap.ID)
	if r.retention > 0 {
		r.retained.Set(snap.ID, snap, r.retention)
	}
	return snap, true
}

// removeFromOrderLocked removes a request from the order slice by ID.
// Must be called with r.mu held.
func (r *Registry) removeFromOrderLocked(id string) {
	// Filter out the request with matching ID
	filtered := make([]string, 0, len(r.order))
	for _, other := range r.order {
		if other != id {
			filtered = append(filtered, other)
		}
	}
	r.order = filtered
}

func (r *Registry) notify(snap PendingRequest) {
	if snap.State == StateFailed {
		log.Debug(log.CatRelay, "request failed", "id", snap.ID, "error", snap.Err)
	} else {
		log.Debug(log.CatRelay, "request resolved", "id", snap.ID)
	}
	if r.onSettle != nil {
		r.onSettle(snap)
	}
}
