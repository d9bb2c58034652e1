package messaging

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zylinc/messagebus/contracts"
)

// AbandonedRetention is how long a cancelled correlation ID is remembered,
// so that its late response is recognised as an orphan
const AbandonedRetention = 10 * time.Minute

// maxAbandoned bounds the remembered IDs; the oldest are forgotten first
const maxAbandoned = 4096

type pendingRequest struct {
	messageType string
	sentAt      time.Time
	result      chan contracts.Message
}

// Correlator tracks requests waiting for their response. Each entry is
// resolved at most once, by a matching response or by cancellation.
type Correlator struct {
	pending sync.Map
	count   atomic.Int64

	mu        sync.Mutex
	abandoned map[string]time.Time
	order     []string
	retention time.Duration
	now       func() time.Time
}

// NewCorrelator creates an empty correlator
func NewCorrelator() *Correlator {
	return &Correlator{
		abandoned: make(map[string]time.Time),
		retention: AbandonedRetention,
		now:       time.Now,
	}
}

// Register adds a pending entry for correlationID. The returned channel
// receives the response if one is resolved before Cancel.
func (c *Correlator) Register(correlationID, messageType string) (<-chan contracts.Message, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation ID cannot be empty")
	}

	entry := &pendingRequest{
		messageType: messageType,
		sentAt:      time.Now(),
		result:      make(chan contracts.Message, 1),
	}
	if _, loaded := c.pending.LoadOrStore(correlationID, entry); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, correlationID)
	}
	c.count.Add(1)

	return entry.result, nil
}

// Resolve completes the entry for correlationID with msg. It reports false
// when nothing is pending under that ID.
func (c *Correlator) Resolve(correlationID string, msg contracts.Message) bool {
	value, ok := c.pending.LoadAndDelete(correlationID)
	if !ok {
		return false
	}
	c.count.Add(-1)

	entry := value.(*pendingRequest)
	entry.result <- msg
	return true
}

// Cancel removes the entry for correlationID and remembers the ID as
// abandoned. It reports false when the entry was already resolved or never
// existed.
func (c *Correlator) Cancel(correlationID string) bool {
	if _, ok := c.pending.LoadAndDelete(correlationID); !ok {
		return false
	}
	c.count.Add(-1)
	c.abandon(correlationID)
	return true
}

// Abandoned reports whether correlationID was cancelled within the
// retention period. The mark is consumed, a response only arrives once.
func (c *Correlator) Abandoned(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked()
	if _, ok := c.abandoned[correlationID]; !ok {
		return false
	}
	delete(c.abandoned, correlationID)
	return true
}

func (c *Correlator) abandon(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.abandoned[correlationID] = c.now()
	c.order = append(c.order, correlationID)
	c.pruneLocked()
}

// pruneLocked forgets expired IDs and keeps at most maxAbandoned
func (c *Correlator) pruneLocked() {
	cutoff := c.now().Add(-c.retention)
	drop := 0
	for drop < len(c.order) {
		id := c.order[drop]
		at, ok := c.abandoned[id]
		if ok && at.After(cutoff) && len(c.order)-drop <= maxAbandoned {
			break
		}
		if ok {
			delete(c.abandoned, id)
		}
		drop++
	}
	if drop > 0 {
		c.order = append(c.order[:0:0], c.order[drop:]...)
	}
}

// IsPending reports whether correlationID is waiting for a response
func (c *Correlator) IsPending(correlationID string) bool {
	_, ok := c.pending.Load(correlationID)
	return ok
}

// Pending returns the number of unresolved entries
func (c *Correlator) Pending() int {
	return int(c.count.Load())
}
