package conversation

import (
	"time"

	"chat-client/internal/clock"
	"chat-client/internal/models"
)

// typingEmitter turns input changes into typing=true/false notifications for one peer.
// The owner holds its lock around every call; notifications are returned, not sent.
type typingEmitter struct {
	clock  clock.Clock
	idle   time.Duration
	onIdle func(gen uint64)

	active bool
	from   string
	peer   string
	timer  clock.Timer
	gen    uint64
}

func newTypingEmitter(clk clock.Clock, idle time.Duration, onIdle func(gen uint64)) *typingEmitter {
	return &typingEmitter{clock: clk, idle: idle, onIdle: onIdle}
}

// input handles a change of the composed text addressed to peer.
func (t *typingEmitter) input(from, peer, text string) []outbound {
	if text == "" {
		return t.flush()
	}

	var out []outbound
	if t.active && t.peer != peer {
		out = t.flush()
	}
	if !t.active {
		t.active = true
		t.from = from
		t.peer = peer
		out = append(out, typingNotice(from, peer, true))
	}
	t.arm()
	return out
}

func (t *typingEmitter) arm() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.idle, func() { t.onIdle(gen) })
}

// expire handles the idle timer; stale generations are ignored.
func (t *typingEmitter) expire(gen uint64) []outbound {
	if gen != t.gen || !t.active {
		return nil
	}
	t.timer = nil
	return t.flush()
}

// flush ends an outstanding typing state.
func (t *typingEmitter) flush() []outbound {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !t.active {
		return nil
	}
	t.active = false
	return []outbound{typingNotice(t.from, t.peer, false)}
}

func typingNotice(from, to string, typing bool) outbound {
	return outbound{
		destination: models.DestinationTyping,
		payload:     models.NewTypingUpdate(from, to, typing),
	}
}
