// Package netmon carries the current network class into the scheduler.
// Detection itself lives outside the engine; an external connectivity
// monitor feeds Set and the scheduler reacts to the change signal.
package netmon

import (
	"sync"

	"fetchd/model"
)

// Class is the coarse network condition reported by the platform.
type Class string

const (
	ClassUnmetered Class = "unmetered"
	ClassMetered   Class = "metered"
	ClassLocal     Class = "local"
	ClassOffline   Class = "offline"
)

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	switch c {
	case ClassUnmetered, ClassMetered, ClassLocal, ClassOffline:
		return true
	}
	return false
}

// Satisfies reports whether a task with the given requirement may run on c.
func (c Class) Satisfies(req model.NetworkRequirement) bool {
	if c == ClassOffline {
		return false
	}
	switch req {
	case model.NetworkUnmetered:
		return c == ClassUnmetered || c == ClassLocal
	case model.NetworkLocal:
		return c == ClassLocal
	default:
		return true
	}
}

// Monitor holds the last reported class and notifies subscribers on change.
type Monitor struct {
	mu    sync.Mutex
	class Class
	subs  map[chan Class]struct{}
}

// NewMonitor starts with the given class.
func NewMonitor(initial Class) *Monitor {
	if !initial.Valid() {
		initial = ClassUnmetered
	}
	return &Monitor{
		class: initial,
		subs:  make(map[chan Class]struct{}),
	}
}

// Current returns the last reported class.
func (m *Monitor) Current() Class {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.class
}

// Set records a new class and notifies subscribers. Notifications are
// best-effort: a subscriber that has not drained its channel only misses
// intermediate values, never the need to re-read Current.
func (m *Monitor) Set(class Class) {
	if !class.Valid() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if class == m.class {
		return
	}
	m.class = class
	for ch := range m.subs {
		select {
		case ch <- class:
		default:
		}
	}
}

// Subscribe returns a change channel and a cancel function.
func (m *Monitor) Subscribe() (<-chan Class, func()) {
	ch := make(chan Class, 4)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
	return ch, cancel
}
