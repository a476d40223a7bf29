// Package hitl implements the human-in-the-loop approval coordinator.
//
// Gated tool calls register an approval request and suspend on Await. Any
// actor holding the interrupt id can resolve the request — a REST handler,
// a chat message handler, a test — because correctness depends only on the
// shared pending table, never on call-stack coupling between the registrar
// and the resolver. Each request resolves exactly once: by a human decision,
// by deadline expiry (auto-reject, audit-logged as security-relevant), or
// by cancellation of the owning session.
package hitl

import (
	"context"
	"sync"
	"time"

	"toolgate/internal/api"
	"toolgate/internal/audit"
	"toolgate/pkg/logging"

	"github.com/google/uuid"
)

// DefaultApprovalTimeout bounds approvals whose request carries no deadline.
const DefaultApprovalTimeout = 5 * time.Minute

// pendingApproval is one table entry: the request, its resolution slot and
// the deadline timer. The done channel closes exactly once, when resolved.
type pendingApproval struct {
	request Request

	mu         sync.Mutex
	resolved   bool
	resolution Resolution
	done       chan struct{}
	timer      *time.Timer
}

// resolve stores the resolution and closes done. Returns false when the
// entry was already resolved; the first resolution stands.
func (p *pendingApproval) resolve(res Resolution) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.resolved = true
	p.resolution = res
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
	return true
}

// Coordinator tracks outstanding approval requests keyed by interrupt id.
type Coordinator struct {
	mu      sync.RWMutex
	pending map[string]*pendingApproval

	auditSink      audit.Sink
	defaultTimeout time.Duration
}

// NewCoordinator creates an approval coordinator. A zero defaultTimeout
// falls back to DefaultApprovalTimeout.
func NewCoordinator(auditSink audit.Sink, defaultTimeout time.Duration) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultApprovalTimeout
	}
	return &Coordinator{
		pending:        make(map[string]*pendingApproval),
		auditSink:      auditSink,
		defaultTimeout: defaultTimeout,
	}
}

// Register adds a request to the pending table and returns its interrupt
// id. The deadline timer starts immediately; expiry auto-resolves the
// request as a rejection whether or not anyone is awaiting it yet.
func (c *Coordinator) Register(req Request) string {
	if req.InterruptID == "" {
		req.InterruptID = uuid.NewString()
	}
	req.CreatedAt = time.Now()
	if req.Deadline.IsZero() {
		req.Deadline = req.CreatedAt.Add(c.defaultTimeout)
	}

	entry := &pendingApproval{
		request: req,
		done:    make(chan struct{}),
	}
	entry.timer = time.AfterFunc(time.Until(req.Deadline), func() {
		c.expire(req.InterruptID)
	})

	c.mu.Lock()
	c.pending[req.InterruptID] = entry
	c.mu.Unlock()

	logging.Info("HITL", "Registered approval request %s for session %s (%d actions, deadline %s)",
		req.InterruptID, logging.TruncateSessionID(req.SessionID), len(req.Actions), req.Deadline.Format(time.RFC3339))
	return req.InterruptID
}

// remove drops a resolved entry from the table. An awaiter already holding
// the entry still reads its resolution; removal only stops new lookups.
func (c *Coordinator) remove(interruptID string) {
	c.mu.Lock()
	delete(c.pending, interruptID)
	c.mu.Unlock()
}

// lookup returns the table entry for an interrupt id.
func (c *Coordinator) lookup(interruptID string) (*pendingApproval, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.pending[interruptID]
	return entry, ok
}

// Get returns the pending request for an interrupt id, if present.
func (c *Coordinator) Get(interruptID string) (Request, bool) {
	entry, ok := c.lookup(interruptID)
	if !ok {
		return Request{}, false
	}
	return entry.request, true
}

// Pending returns all unresolved requests, for status surfaces.
func (c *Coordinator) Pending() []Request {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Request
	for _, entry := range c.pending {
		entry.mu.Lock()
		resolved := entry.resolved
		entry.mu.Unlock()
		if !resolved {
			out = append(out, entry.request)
		}
	}
	return out
}

// Resolve completes a pending request with a decision. The first resolve
// wins; a second resolve on an already-resolved id is a no-op that reports
// ErrAlreadyResolved rather than erroring destructively. Unknown ids report
// ErrApprovalNotFound.
func (c *Coordinator) Resolve(interruptID string, decision api.Decision) error {
	entry, ok := c.lookup(interruptID)
	if !ok {
		return api.ErrApprovalNotFound
	}

	if !entry.resolve(Resolution{Decision: decision}) {
		logging.Debug("HITL", "Redundant resolve of %s ignored", interruptID)
		return api.ErrAlreadyResolved
	}

	result := audit.ResultRejected
	switch decision.Kind {
	case api.DecisionApprove:
		result = audit.ResultApproved
	case api.DecisionEdit:
		result = audit.ResultEdited
	}
	audit.Emit(c.auditSink, entry.request.Tenant, interruptID, audit.ActionDecision, result)
	logging.Info("HITL", "Approval request %s resolved: %s by %s", interruptID, decision.Kind, decision.Responder)
	return nil
}

// expire auto-resolves a request as a rejection after its deadline. Missed
// approval deadlines are security-relevant, so the expiry is always logged
// and audited.
func (c *Coordinator) expire(interruptID string) {
	entry, ok := c.lookup(interruptID)
	if !ok {
		return
	}

	res := Resolution{
		Decision: api.Decision{Kind: api.DecisionReject, Responder: "system:timeout"},
		TimedOut: true,
	}
	if entry.resolve(res) {
		c.remove(interruptID)
		logging.Error("HITL", api.ErrApprovalTimeout, "Approval request %s for session %s auto-rejected",
			interruptID, logging.TruncateSessionID(entry.request.SessionID))
		audit.Emit(c.auditSink, entry.request.Tenant, interruptID, audit.ActionDecision, audit.ResultTimeout)
	}
}

// CancelSession resolves every pending request owned by a session as
// cancelled. Called when the session's turn is cancelled or torn down.
func (c *Coordinator) CancelSession(sessionID string) {
	c.mu.RLock()
	var entries []*pendingApproval
	for _, entry := range c.pending {
		if entry.request.SessionID == sessionID {
			entries = append(entries, entry)
		}
	}
	c.mu.RUnlock()

	res := Resolution{
		Decision:  api.Decision{Kind: api.DecisionReject, Responder: "system:cancel"},
		Cancelled: true,
	}
	for _, entry := range entries {
		if entry.resolve(res) {
			c.remove(entry.request.InterruptID)
			audit.Emit(c.auditSink, entry.request.Tenant, entry.request.InterruptID, audit.ActionDecision, audit.ResultCancel)
			logging.Info("HITL", "Approval request %s cancelled with session %s",
				entry.request.InterruptID, logging.TruncateSessionID(sessionID))
		}
	}
}

// Await blocks until the request resolves, its deadline elapses, or ctx is
// cancelled. Context cancellation resolves the request as cancelled so a
// late human decision finds it already settled. The resolution's decision
// is returned in every case; callers distinguish outcomes via the
// Resolution flags. The entry is removed from the table on return.
func (c *Coordinator) Await(ctx context.Context, interruptID string) (Resolution, error) {
	entry, ok := c.lookup(interruptID)
	if !ok {
		return Resolution{}, api.ErrApprovalNotFound
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		cancelled := entry.resolve(Resolution{
			Decision:  api.Decision{Kind: api.DecisionReject, Responder: "system:cancel"},
			Cancelled: true,
		})
		if cancelled {
			audit.Emit(c.auditSink, entry.request.Tenant, interruptID, audit.ActionDecision, audit.ResultCancel)
		}
		<-entry.done
	}

	entry.mu.Lock()
	res := entry.resolution
	entry.mu.Unlock()

	c.remove(interruptID)

	if res.Cancelled {
		return res, api.ErrSessionCancelled
	}
	return res, nil
}
