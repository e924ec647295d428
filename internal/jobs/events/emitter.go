// Package events is the observer registry behind queue notifications.
package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"studio/internal/jobs/models"
)

// Listener receives one event. It runs on the goroutine that performed the
// mutation and must not call mutating queue operations synchronously.
type Listener func(models.Event)

type subscription struct {
	id       uint64
	event    models.EventType
	listener Listener
}

// Emitter fans events out to listeners registered per event type or for all
// types. Safe for concurrent use.
type Emitter struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

func New(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger}
}

// On registers listener for event (or models.EventAll) and returns a function
// that removes it. Calling the returned function more than once is harmless.
func (e *Emitter) On(event models.EventType, listener Listener) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	if !event.IsValid() {
		e.logger.Warn("listener registered for unknown job event", "event", event)
	}

	e.mu.Lock()
	e.nextID++
	subID := e.nextID
	e.subs = append(e.subs, subscription{id: subID, event: event, listener: listener})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.subs = slices.DeleteFunc(e.subs, func(s subscription) bool { return s.id == subID })
		})
	}
}

// Emit delivers ev to every matching listener in registration order. Each
// listener gets its own copy of the job, and a panicking listener is logged
// without affecting the others.
func (e *Emitter) Emit(ev models.Event) {
	e.mu.RLock()
	matched := make([]subscription, 0, len(e.subs))
	for _, s := range e.subs {
		if s.event == ev.Type || s.event == models.EventAll {
			matched = append(matched, s)
		}
	}
	e.mu.RUnlock()

	for _, s := range matched {
		copyEv := ev
		copyEv.Job = ev.Job.Clone()
		e.call(s, copyEv)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

func (e *Emitter) call(s subscription, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job_listener_panic",
				"event", ev.Type,
				"subscription", s.event,
				"job_id", ev.Job.ID.String(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.listener(ev)
}
