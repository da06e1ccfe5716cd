package hitl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"missiongov/internal/checkpoint"
	"missiongov/internal/logging"
	"missiongov/internal/types"
)

var (
	// ErrUnknownRequest means the gate never saw the request id.
	ErrUnknownRequest = errors.New("unknown approval request")
	// ErrAlreadyResolved means the request was already resolved.
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// Notifier is told when a request is opened, e.g. to page a reviewer.
type Notifier interface {
	ApprovalRequested(req types.ApprovalRequest)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(req types.ApprovalRequest)

// ApprovalRequested calls f.
func (f NotifierFunc) ApprovalRequested(req types.ApprovalRequest) {
	f(req)
}

type entry struct {
	req  types.ApprovalRequest
	done chan struct{} // closed on resolution
}

// Gate tracks approval requests. It is safe for concurrent use; Wait never
// holds the gate's lock while blocked.
type Gate struct {
	mu       sync.Mutex
	requests map[string]*entry
	now      func() time.Time
	newID    func() string
	notifier Notifier
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the clock used for CreatedAt and ResolvedAt.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithIDGenerator replaces checkpoint id generation.
func WithIDGenerator(newID func() string) Option {
	return func(g *Gate) { g.newID = newID }
}

// WithNotifier sets the notifier for newly opened requests.
func WithNotifier(n Notifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// NewGate returns an empty gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		requests: make(map[string]*entry),
		now:      time.Now,
		newID:    checkpoint.NewID,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate returns a new pending request when step needs approval under
// policy, or nil. The request's CheckpointID is freshly generated; the caller
// persists the checkpoint under that id.
func (g *Gate) Evaluate(state types.MissionState, step types.StepResult, policy Policy) *types.ApprovalRequest {
	kind, ok := KindFor(step)
	if !ok || !policy.Requires(kind) {
		return nil
	}

	summary := step.Summary
	if summary == "" {
		summary = fmt.Sprintf("step %d requires %s", state.CurrentStep, kind)
	}
	req := types.ApprovalRequest{
		MissionID:    state.MissionID,
		TenantID:     state.TenantID,
		CheckpointID: g.newID(),
		Kind:         kind,
		Summary:      summary,
		Step:         state.CurrentStep,
		CreatedAt:    g.now(),
	}

	g.mu.Lock()
	g.requests[req.CheckpointID] = &entry{req: req, done: make(chan struct{})}
	g.mu.Unlock()

	logging.HITL("approval requested: %s for %s/%s at step %d (%s)",
		req.CheckpointID, req.TenantID, req.MissionID, req.Step, kind)
	if g.notifier != nil {
		g.notifier.ApprovalRequested(req.Clone())
	}
	out := req.Clone()
	return &out
}

// Restore re-registers a pending request loaded from a checkpoint. Restoring
// a request the gate already knows is a no-op.
func (g *Gate) Restore(req types.ApprovalRequest) error {
	if req.CheckpointID == "" {
		return fmt.Errorf("%w: approval request has no checkpoint id", types.ErrInvalidInput)
	}
	if req.Resolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, req.CheckpointID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.requests[req.CheckpointID]; exists {
		return nil
	}
	g.requests[req.CheckpointID] = &entry{req: req.Clone(), done: make(chan struct{})}
	logging.HITLDebug("restored pending approval %s for %s/%s", req.CheckpointID, req.TenantID, req.MissionID)
	return nil
}

// Resolve applies decision to the request exactly once and returns the status
// the mission moves to: RUNNING on approve, FAILED on reject.
func (g *Gate) Resolve(requestID string, decision types.Decision) (types.MissionStatus, error) {
	if !decision.Valid() {
		return "", fmt.Errorf("%w: decision must be approve or reject, got %q", types.ErrInvalidInput, decision)
	}

	g.mu.Lock()
	e, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if e.req.Resolved {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
	}
	at := g.now()
	e.req.Resolved = true
	e.req.Decision = decision
	e.req.ResolvedAt = &at
	close(e.done)
	req := e.req
	g.mu.Unlock()

	logging.HITL("approval %s resolved: %s (%s/%s)", requestID, decision, req.TenantID, req.MissionID)
	return StatusFor(decision), nil
}

// StatusFor returns the mission status a decision leads to.
func StatusFor(decision types.Decision) types.MissionStatus {
	if decision == types.DecisionApprove {
		return types.StatusRunning
	}
	return types.StatusFailed
}

// Wait blocks until the request is resolved or ctx is done.
func (g *Gate) Wait(ctx context.Context, requestID string) (types.Decision, error) {
	g.mu.Lock()
	e, ok := g.requests[requestID]
	g.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	select {
	case <-e.done:
		g.mu.Lock()
		decision := e.req.Decision
		g.mu.Unlock()
		return decision, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Get returns a copy of the request.
func (g *Gate) Get(requestID string) (types.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.requests[requestID]
	if !ok {
		return types.ApprovalRequest{}, false
	}
	return e.req.Clone(), true
}

// Pending lists unresolved requests for the tenant/mission, oldest first.
// An empty missionID or tenantID matches any value, so Pending("", "") lists
// every request.
func (g *Gate) Pending(missionID, tenantID string) []types.ApprovalRequest {
	g.mu.Lock()
	var out []types.ApprovalRequest
	for _, e := range g.requests {
		if e.req.Resolved ||
			(missionID != "" && e.req.MissionID != missionID) ||
			(tenantID != "" && e.req.TenantID != tenantID) {
			continue
		}
		out = append(out, e.req.Clone())
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CheckpointID < out[j].CheckpointID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Forget drops every request, resolved or not, belonging to the
// tenant/mission. Controllers call it once a mission is terminal.
func (g *Gate) Forget(missionID, tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.requests {
		if e.req.MissionID == missionID && e.req.TenantID == tenantID {
			delete(g.requests, id)
		}
	}
}
