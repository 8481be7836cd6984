package widget

import (
	"sync"
	"time"
)

// typingDebouncer turns key presses into one typing-start followed by one
// typing-stop after the idle delay.
type typingDebouncer struct {
	clock   Clock
	idle    time.Duration
	onStart func(conversationID string)
	onStop  func(conversationID string)

	mu             sync.Mutex
	active         bool
	conversationID string
	timer          Timer
	generation     uint64
}

func newTypingDebouncer(clock Clock, idle time.Duration, onStart, onStop func(string)) *typingDebouncer {
	return &typingDebouncer{clock: clock, idle: idle, onStart: onStart, onStop: onStop}
}

// KeyPress starts typing for conversationID if needed and re-arms the timer.
// Switching conversations stops typing in the previous one first.
func (d *typingDebouncer) KeyPress(conversationID string) {
	d.mu.Lock()
	var stopped string
	if d.active && d.conversationID != conversationID {
		stopped = d.conversationID
		d.active = false
	}
	started := !d.active
	d.active = true
	d.conversationID = conversationID
	d.generation++
	gen := d.generation
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.idle, func() { d.expire(gen) })
	d.mu.Unlock()

	if stopped != "" {
		d.onStop(stopped)
	}
	if started {
		d.onStart(conversationID)
	}
}

// Stop ends typing immediately; it is a no-op when not typing.
func (d *typingDebouncer) Stop() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	conversationID := d.conversationID
	d.reset()
	d.mu.Unlock()
	d.onStop(conversationID)
}

// Active reports whether a typing-start is outstanding.
func (d *typingDebouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *typingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	if !d.active || gen != d.generation {
		d.mu.Unlock()
		return
	}
	conversationID := d.conversationID
	d.reset()
	d.mu.Unlock()
	d.onStop(conversationID)
}

// reset requires d.mu.
func (d *typingDebouncer) reset() {
	d.active = false
	d.conversationID = ""
	d.generation++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
