// Package cancellation tracks the jobs currently executing and lets other
// goroutines ask them to stop.
package cancellation

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed            = errors.New("cancellation registry closed")
	ErrAlreadyRegistered = errors.New("job already registered")

	// ErrCancelRequested is the cause attached to a token cancelled on user request.
	ErrCancelRequested = errors.New("job cancellation requested")
	// ErrShutdown is the cause attached to every token cancelled by Close.
	ErrShutdown = errors.New("executor shutting down")
)

// Token is the cancellation signal of one executing job. Its context is
// passed to provider calls so network work is aborted along with the job.
type Token struct {
	jobID     string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	requested bool
}

func (t *Token) JobID() string { return t.jobID }

func (t *Token) Context() context.Context { return t.ctx }

// Cancelled reports whether the job should stop at its next checkpoint.
func (t *Token) Cancelled() bool { return t.ctx.Err() != nil }

// Cause returns why the token was cancelled, nil while it is live.
func (t *Token) Cause() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Registry maps job ids to the tokens of jobs being executed. All methods
// are safe for concurrent use; RequestCancellation and Deregister are
// serialized so exactly one side learns about a late cancellation.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register creates the token for a job about to execute.
func (r *Registry) Register(parent context.Context, jobID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, exists := r.tokens[jobID]; exists {
		return nil, ErrAlreadyRegistered
	}

	ctx, cancel := context.WithCancelCause(parent)
	token := &Token{jobID: jobID, ctx: ctx, cancel: cancel}
	r.tokens[jobID] = token
	return token, nil
}

// RequestCancellation signals the token of a registered job. It returns false
// when the job is not executing, in which case nothing was signalled.
func (r *Registry) RequestCancellation(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[jobID]
	if !ok {
		return false
	}
	token.requested = true
	token.cancel(ErrCancelRequested)
	return true
}

// Deregister removes the token and releases its context. The returned value
// reports whether a user cancellation was requested while it was registered.
func (r *Registry) Deregister(jobID string, token *Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tokens[jobID]
	if !ok || current != token {
		return false
	}
	delete(r.tokens, jobID)
	token.cancel(context.Canceled)
	return token.requested
}

// Close refuses further registrations and cancels every live token with
// ErrShutdown. Registered jobs stay registered until they deregister.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, token := range r.tokens {
		token.cancel(ErrShutdown)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
