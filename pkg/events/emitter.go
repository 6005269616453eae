// Package events is a small typed listener registry.
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Emitter dispatches payloads of type T to listeners registered by event
// name. Listeners run synchronously in registration order; a panicking
// listener is recovered and logged so the others still run.
type Emitter[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]entry[T]
	next      uint64
	logger    zerolog.Logger
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// NewEmitter creates an emitter logging listener panics to logger.
func NewEmitter[T any](logger zerolog.Logger) *Emitter[T] {
	return &Emitter[T]{
		listeners: make(map[string][]entry[T]),
		logger:    logger,
	}
}

// On registers fn for event and returns a func removing it.
func (e *Emitter[T]) On(event string, fn func(T)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.next++
	id := e.next
	e.listeners[event] = append(e.listeners[event], entry[T]{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.listeners[event]
		for i, l := range list {
			if l.id == id {
				e.listeners[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every listener of event with payload.
func (e *Emitter[T]) Emit(event string, payload T) {
	e.mu.RLock()
	list := append([]entry[T](nil), e.listeners[event]...)
	e.mu.RUnlock()

	for _, l := range list {
		e.call(event, l.fn, payload)
	}
}

// Count returns the number of listeners for event.
func (e *Emitter[T]) Count(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

func (e *Emitter[T]) call(event string, fn func(T), payload T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("event", event).
				Interface("panic", r).
				Msg("event listener panicked")
		}
	}()
	fn(payload)
}
