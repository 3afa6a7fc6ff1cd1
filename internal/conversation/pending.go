package conversation

import (
	"time"

	"chat-client/internal/clock"
)

// pendingTable tracks optimistic sends awaiting their server echo. Each entry expires
// after timeout; the owner holds its lock around every call.
type pendingTable struct {
	clock    clock.Clock
	timeout  time.Duration
	entries  map[string]clock.Timer
	onExpire func(tempID string)
}

func newPendingTable(clk clock.Clock, timeout time.Duration, onExpire func(tempID string)) *pendingTable {
	return &pendingTable{
		clock:    clk,
		timeout:  timeout,
		entries:  make(map[string]clock.Timer),
		onExpire: onExpire,
	}
}

func (p *pendingTable) add(tempID string) {
	if old, ok := p.entries[tempID]; ok {
		old.Stop()
	}
	p.entries[tempID] = p.clock.AfterFunc(p.timeout, func() { p.onExpire(tempID) })
}

// resolve removes the entry and reports whether it was still pending.
func (p *pendingTable) resolve(tempID string) bool {
	timer, ok := p.entries[tempID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(p.entries, tempID)
	return true
}

// take removes an entry whose timer already fired.
func (p *pendingTable) take(tempID string) bool {
	if _, ok := p.entries[tempID]; !ok {
		return false
	}
	delete(p.entries, tempID)
	return true
}

func (p *pendingTable) len() int {
	return len(p.entries)
}

func (p *pendingTable) clear() {
	for id, timer := range p.entries {
		timer.Stop()
		delete(p.entries, id)
	}
}
