// Package approval holds requests waiting for an interactive decision and
// owns the lifecycle of the single approval window.
//
// The queue never answers origins itself. Operations that end requests
// (reject, window close, surface failure) return them to the caller, which
// owns the one responder.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/wallet-core/internal/logger"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Surface presents the approval window. The queue only opens, closes and
// refreshes it; the surface reports user-initiated closes back through
// Queue.WindowClosed.
type Surface interface {
	Open(ctx context.Context, windowID string) error
	Close(ctx context.Context, windowID string) error
	// Show renders the queue, active request first
	Show(ctx context.Context, windowID string, pending []types.PendingRequest) error
}

// Decision carries the user's choices on approval
type Decision struct {
	// Scopes narrows the permissions granted by a connect request
	Scopes []string `json:"scopes,omitempty"`
}

var (
	// ErrNotPending is returned for a request id the queue does not hold
	ErrNotPending = apperrors.New(apperrors.ErrCodeInvalidRequest, "Request is not pending")
	// ErrNotActive is returned when deciding on a request behind the active one
	ErrNotActive = apperrors.New(apperrors.ErrCodeInvalidRequest, "Request is not the active request")
)

type entry struct {
	req     types.PendingRequest
	window  string
	claimed bool
}

// Queue is the FIFO of pending requests
type Queue struct {
	mu      sync.Mutex
	surface Surface
	items   []*entry
	window  string
	now     func() time.Time

	onChange func(depth int)
}

// NewQueue creates a queue presenting through surface
func NewQueue(surface Surface) *Queue {
	return &Queue{surface: surface, now: time.Now}
}

// OnChange registers a hook called with the queue depth after every change
func (q *Queue) OnChange(fn func(depth int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = fn
}

// SetClock replaces the clock used for enqueue timestamps
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Window returns the id of the open approval window, or "" when none is open
func (q *Queue) Window() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.window
}

// Len returns the number of held requests, in-flight ones included
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a snapshot of the queue, active request first
func (q *Queue) Pending() []types.PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() []types.PendingRequest {
	out := make([]types.PendingRequest, len(q.items))
	for i, e := range q.items {
		out[i] = e.req
	}
	return out
}

// Active returns the request the user is deciding on
func (q *Queue) Active() (types.PendingRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.PendingRequest{}, false
	}
	return q.items[0].req, true
}

func (q *Queue) changedLocked() {
	if q.onChange != nil {
		q.onChange(len(q.items))
	}
}

// Enqueue appends p and makes sure an approval window is open. When the
// window cannot be opened every held request, p included, is dropped and
// returned so the caller can answer them.
func (q *Queue) Enqueue(ctx context.Context, p types.PendingRequest) ([]types.PendingRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.items {
		if e.req.ID == p.ID && e.req.Origin == p.Origin {
			return nil, apperrors.New(apperrors.ErrCodeInvalidRequest, "Duplicate request id")
		}
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = q.now()
	}

	opened := false
	if q.window == "" {
		q.window = uuid.New().String()
		opened = true
	}
	q.items = append(q.items, &entry{req: p, window: q.window})
	q.changedLocked()

	if opened {
		if err := q.surface.Open(ctx, q.window); err != nil {
			logger.Error(ctx, "failed to open approval window", "window_id", q.window, "error", err)
			return q.dropAllLocked(), fmt.Errorf("open approval window: %w", err)
		}
		logger.Debug(ctx, "approval window opened", "window_id", q.window)
	}
	q.showLocked(ctx)
	return nil, nil
}

func (q *Queue) dropAllLocked() []types.PendingRequest {
	dropped := q.snapshotLocked()
	q.items = nil
	q.window = ""
	q.changedLocked()
	return dropped
}

func (q *Queue) showLocked(ctx context.Context) {
	if q.window == "" {
		return
	}
	if err := q.surface.Show(ctx, q.window, q.snapshotLocked()); err != nil {
		logger.Warn(ctx, "failed to render approval window", "window_id", q.window, "error", err)
	}
}

func (q *Queue) indexLocked(requestID string) int {
	for i, e := range q.items {
		if e.req.ID == requestID {
			return i
		}
	}
	return -1
}

// Approve claims the active request for execution. The request stays
// queued, and keeps later requests waiting, until Dequeue is called with
// its id. A claimed request cannot be approved or rejected again.
func (q *Queue) Approve(requestID string) (types.PendingRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(requestID)
	if i < 0 || q.items[i].claimed {
		return types.PendingRequest{}, ErrNotPending
	}
	if i != 0 {
		return types.PendingRequest{}, ErrNotActive
	}
	q.items[0].claimed = true
	return q.items[0].req, nil
}

// Reject removes an unclaimed request and returns it for a
// USER_REJECTED_REQUEST answer
func (q *Queue) Reject(ctx context.Context, requestID string) (types.PendingRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(requestID)
	if i < 0 || q.items[i].claimed {
		return types.PendingRequest{}, ErrNotPending
	}
	return q.removeLocked(ctx, i), nil
}

// Dequeue removes a completed request. The window stays open while
// requests remain and is closed once the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, requestID string) (types.PendingRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(requestID)
	if i < 0 {
		return types.PendingRequest{}, false
	}
	return q.removeLocked(ctx, i), true
}

func (q *Queue) removeLocked(ctx context.Context, i int) types.PendingRequest {
	p := q.items[i].req
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.changedLocked()

	if len(q.items) > 0 {
		q.showLocked(ctx)
		return p
	}
	q.closeLocked(ctx)
	return p
}

func (q *Queue) closeLocked(ctx context.Context) {
	if q.window == "" {
		return
	}
	window := q.window
	q.window = ""
	if err := q.surface.Close(ctx, window); err != nil {
		logger.Warn(ctx, "failed to close approval window", "window_id", window, "error", err)
	}
}

// WindowClosed handles the user closing the approval window without a
// decision. Every unclaimed request of that window is removed and returned
// for a USER_REJECTED_REQUEST answer; claimed requests run to completion.
// Closing a window other than the current one only drops its requests.
func (q *Queue) WindowClosed(ctx context.Context, windowID string) []types.PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rejected []types.PendingRequest
	kept := q.items[:0]
	for _, e := range q.items {
		if e.window == windowID && !e.claimed {
			rejected = append(rejected, e.req)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	if q.window == windowID {
		q.window = ""
	}
	q.changedLocked()

	// in-flight requests of a closed window finish without a window; new
	// requests behind them need one
	if q.window == "" && len(q.items) > 0 && q.hasUnclaimedLocked() {
		q.window = uuid.New().String()
		for _, e := range q.items {
			if !e.claimed {
				e.window = q.window
			}
		}
		if err := q.surface.Open(ctx, q.window); err != nil {
			logger.Error(ctx, "failed to reopen approval window", "window_id", q.window, "error", err)
			q.window = ""
		} else {
			q.showLocked(ctx)
		}
	}

	logger.Info(ctx, "approval window closed", "window_id", windowID, "rejected", len(rejected))
	return rejected
}

func (q *Queue) hasUnclaimedLocked() bool {
	for _, e := range q.items {
		if !e.claimed {
			return true
		}
	}
	return false
}

// Drain removes every unclaimed request, closing the window, and returns
// them. Used at shutdown.
func (q *Queue) Drain(ctx context.Context) []types.PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []types.PendingRequest
	kept := q.items[:0]
	for _, e := range q.items {
		if e.claimed {
			kept = append(kept, e)
			continue
		}
		out = append(out, e.req)
	}
	q.items = kept
	q.changedLocked()
	q.closeLocked(ctx)
	return out
}
