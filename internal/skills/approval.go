package skills

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robman/flohub/pkg/models"
)

// ApprovalTimeout bounds one approval round trip.
const ApprovalTimeout = 60 * time.Second

// ErrApprovalTimeout is returned when no client answers in time.
var ErrApprovalTimeout = errors.New("skills: approval timed out")

// ApprovalNotifier delivers a skill_approval_request to a client.
type ApprovalNotifier interface {
	SendApprovalRequest(id string, skill models.Skill) error
}

// ApprovalBroker correlates approval requests with their responses via
// one-shot reply slots.
type ApprovalBroker struct {
	notifier ApprovalNotifier
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewApprovalBroker builds a broker over a notifier.
func NewApprovalBroker(notifier ApprovalNotifier) *ApprovalBroker {
	return &ApprovalBroker{
		notifier: notifier,
		timeout:  ApprovalTimeout,
		pending:  make(map[string]chan bool),
	}
}

// SetTimeout overrides the approval timeout. Test helper.
func (b *ApprovalBroker) SetTimeout(d time.Duration) { b.timeout = d }

// RequestApproval sends the request and waits for the correlated
// response, a timeout, or cancellation.
func (b *ApprovalBroker) RequestApproval(ctx context.Context, skill models.Skill) (bool, error) {
	id := uuid.NewString()
	ch := make(chan bool, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	if err := b.notifier.SendApprovalRequest(id, skill); err != nil {
		b.remove(id)
		return false, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		return approved, nil
	case <-timer.C:
		b.remove(id)
		return false, ErrApprovalTimeout
	case <-ctx.Done():
		b.remove(id)
		return false, ctx.Err()
	}
}

// Resolve delivers a skill_approval_response. Unknown ids report false.
func (b *ApprovalBroker) Resolve(id string, approved bool) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}

func (b *ApprovalBroker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
