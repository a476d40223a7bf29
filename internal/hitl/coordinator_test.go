package hitl

import (
	"context"
	"sync"
	"testing"
	"time"

	"toolgate/internal/api"
	"toolgate/internal/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSink captures audit records for assertions.
type memSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *memSink) Emit(record audit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

func (s *memSink) results() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Result)
	}
	return out
}

func gatedRequest(sessionID string) Request {
	return Request{
		SessionID: sessionID,
		Tenant:    "acme",
		Actions: []ActionRequest{
			{Tool: "files.write_file", Args: map[string]interface{}{"path": "/tmp/x"}},
		},
	}
}

func TestCoordinator_ApproveResolvesAwait(t *testing.T) {
	c := NewCoordinator(audit.NopSink{}, 0)
	id := c.Register(gatedRequest("sess-1"))
	require.NotEmpty(t, id)

	go func() {
		// Let Await park first.
		time.Sleep(10 * time.Millisecond)
		_ = c.Resolve(id, api.Decision{Kind: api.DecisionApprove, Responder: "alice"})
	}()

	res, err := c.Await(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.DecisionApprove, res.Decision.Kind)
	assert.Equal(t, "alice", res.Decision.Responder)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Cancelled)

	// Await removes the entry; the id can no longer be resolved.
	assert.ErrorIs(t, c.Resolve(id, api.Decision{Kind: api.DecisionReject}), api.ErrApprovalNotFound)
}

func TestCoordinator_FirstDecisionWins(t *testing.T) {
	sink := &memSink{}
	c := NewCoordinator(sink, 0)
	id := c.Register(gatedRequest("sess-1"))

	require.NoError(t, c.Resolve(id, api.Decision{Kind: api.DecisionReject, Responder: "alice"}))
	err := c.Resolve(id, api.Decision{Kind: api.DecisionApprove, Responder: "bob"})
	assert.ErrorIs(t, err, api.ErrAlreadyResolved)

	res, err := c.Await(context.Background(), id)
	require.NoError(t, err)
	// The awaiter observes the first decision, never the second.
	assert.Equal(t, api.DecisionReject, res.Decision.Kind)
	assert.Equal(t, "alice", res.Decision.Responder)

	// Exactly one decision was audited.
	assert.Equal(t, []string{audit.ResultRejected}, sink.results())
}

func TestCoordinator_ResolveUnknownID(t *testing.T) {
	c := NewCoordinator(audit.NopSink{}, 0)
	err := c.Resolve("no-such-id", api.Decision{Kind: api.DecisionApprove})
	assert.ErrorIs(t, err, api.ErrApprovalNotFound)
}

func TestCoordinator_DeadlineAutoRejects(t *testing.T) {
	sink := &memSink{}
	c := NewCoordinator(sink, 0)

	req := gatedRequest("sess-1")
	req.Deadline = time.Now().Add(30 * time.Millisecond)
	id := c.Register(req)

	start := time.Now()
	res, err := c.Await(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, api.DecisionReject, res.Decision.Kind)
	assert.Equal(t, "system:timeout", res.Decision.Responder)
	assert.True(t, res.TimedOut)
	// The awaiter unblocks within a bounded delay of the deadline.
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []string{audit.ResultTimeout}, sink.results())

	// A decision arriving after expiry finds the request settled.
	assert.ErrorIs(t, c.Resolve(id, api.Decision{Kind: api.DecisionApprove}), api.ErrApprovalNotFound)
}

func TestCoordinator_CancelSession(t *testing.T) {
	sink := &memSink{}
	c := NewCoordinator(sink, 0)

	first := c.Register(gatedRequest("sess-1"))
	second := c.Register(gatedRequest("sess-1"))
	other := c.Register(gatedRequest("sess-2"))

	type outcome struct {
		res Resolution
		err error
	}
	outcomes := make(chan outcome, 2)
	for _, id := range []string{first, second} {
		go func(id string) {
			res, err := c.Await(context.Background(), id)
			outcomes <- outcome{res, err}
		}(id)
	}
	// Let both awaiters park before cancelling.
	time.Sleep(10 * time.Millisecond)

	c.CancelSession("sess-1")

	for i := 0; i < 2; i++ {
		o := <-outcomes
		assert.ErrorIs(t, o.err, api.ErrSessionCancelled)
		assert.True(t, o.res.Cancelled)
		assert.Equal(t, "system:cancel", o.res.Decision.Responder)
	}

	// The other session's request is untouched.
	require.NoError(t, c.Resolve(other, api.Decision{Kind: api.DecisionApprove, Responder: "alice"}))
	res, err := c.Await(context.Background(), other)
	require.NoError(t, err)
	assert.False(t, res.Cancelled)

	assert.ElementsMatch(t, []string{audit.ResultCancel, audit.ResultCancel, audit.ResultApproved}, sink.results())
}

func TestCoordinator_ResolutionWithoutAwaiterRemovesEntry(t *testing.T) {
	c := NewCoordinator(audit.NopSink{}, 0)

	// Cancellation with no awaiter must not strand the entry.
	cancelled := c.Register(gatedRequest("sess-1"))
	c.CancelSession("sess-1")
	_, ok := c.Get(cancelled)
	assert.False(t, ok)
	assert.Empty(t, c.Pending())

	// Same for deadline expiry.
	req := gatedRequest("sess-2")
	req.Deadline = time.Now().Add(20 * time.Millisecond)
	expired := c.Register(req)
	assert.Eventually(t, func() bool {
		_, ok := c.Get(expired)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_AwaitContextCancel(t *testing.T) {
	c := NewCoordinator(audit.NopSink{}, 0)
	id := c.Register(gatedRequest("sess-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.Await(ctx, id)
	assert.ErrorIs(t, err, api.ErrSessionCancelled)
	assert.True(t, res.Cancelled)
}

func TestCoordinator_Pending(t *testing.T) {
	c := NewCoordinator(audit.NopSink{}, 0)
	assert.Empty(t, c.Pending())

	first := c.Register(gatedRequest("sess-1"))
	c.Register(gatedRequest("sess-2"))
	assert.Len(t, c.Pending(), 2)

	require.NoError(t, c.Resolve(first, api.Decision{Kind: api.DecisionApprove}))
	assert.Len(t, c.Pending(), 1)

	req, ok := c.Get(c.Pending()[0].InterruptID)
	require.True(t, ok)
	assert.Equal(t, "sess-2", req.SessionID)
	assert.False(t, req.CreatedAt.IsZero())
	assert.False(t, req.Deadline.IsZero())
}
