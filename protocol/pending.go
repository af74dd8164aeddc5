package protocol

import (
	"sync"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
)

// pendingResult is delivered to the caller blocked in SendRequest.
type pendingResult struct {
	envelope *contracts.Envelope
	err      error
}

// pendingRequest is one outstanding request awaiting its response.
type pendingRequest struct {
	correlationID string
	result        chan pendingResult
	timer         *time.Timer
}

// pendingTable tracks outstanding requests by correlation id. Removal
// and delivery happen atomically under the table lock, so exactly one
// of resolve/fail fires per correlation id; later calls find no entry
// and report false.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// add registers a new pending request and arms its timeout timer, both
// under the table lock, so the timer is in place before the entry is
// visible to take. Duplicate correlation ids are rejected; envelope ids
// and derived correlation ids are unique by construction, so a
// duplicate means caller error.
func (t *pendingTable) add(correlationID string, timeout time.Duration, expire func()) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[correlationID]; exists {
		return nil, contracts.Errorf(contracts.ErrCodeInternal,
			"correlation id %q already pending", correlationID)
	}
	p := &pendingRequest{
		correlationID: correlationID,
		result:        make(chan pendingResult, 1),
		timer:         time.AfterFunc(timeout, expire),
	}
	t.entries[correlationID] = p
	return p, nil
}

// take removes and returns the entry, stopping its timer. The caller
// that takes the entry owns its resolution.
func (t *pendingTable) take(correlationID string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[correlationID]
	if !ok {
		return nil, false
	}
	delete(t.entries, correlationID)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}

// resolve completes a pending request with a response envelope.
// Returns false when no entry remains (timed out or already resolved).
func (t *pendingTable) resolve(correlationID string, env *contracts.Envelope) bool {
	p, ok := t.take(correlationID)
	if !ok {
		return false
	}
	p.result <- pendingResult{envelope: env}
	return true
}

// fail completes a pending request with an error.
func (t *pendingTable) fail(correlationID string, err error) bool {
	p, ok := t.take(correlationID)
	if !ok {
		return false
	}
	p.result <- pendingResult{err: err}
	return true
}

// failAll rejects every outstanding request, used on shutdown.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, p := range entries {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.result <- pendingResult{err: err}
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
