package agent

import (
	"log/slog"
	"sync"

	"transport-dispatch/events"
	"transport-dispatch/logger"
)

type Listener func(events.Event)

type registration struct {
	id int
	fn Listener
}

// Emitter dispatches decoded events to listeners registered by event name.
// Listeners run on the caller's goroutine in registration order.
type Emitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[string][]registration
	logger    *slog.Logger
}

func NewEmitter(l *slog.Logger) *Emitter {
	return &Emitter{
		listeners: make(map[string][]registration),
		logger:    logger.OrDefault(l),
	}
}

// On registers fn for events named name and returns a function removing it.
func (e *Emitter) On(name string, fn Listener) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[name] = append(e.listeners[name], registration{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			regs := e.listeners[name]
			for i, r := range regs {
				if r.id == id {
					e.listeners[name] = append(regs[:i:i], regs[i+1:]...)
					break
				}
			}
			if len(e.listeners[name]) == 0 {
				delete(e.listeners, name)
			}
		})
	}
}

// Emit calls each listener of ev's name. A panicking listener is logged and
// does not stop the others.
func (e *Emitter) Emit(ev events.Event) {
	e.mu.RLock()
	regs := append([]registration(nil), e.listeners[ev.EventName()]...)
	e.mu.RUnlock()

	for _, r := range regs {
		e.call(r.fn, ev)
	}
}

func (e *Emitter) call(fn Listener, ev events.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("event listener panicked",
				slog.String("event", ev.EventName()),
				slog.Any("panic", rec),
			)
		}
	}()
	fn(ev)
}

// Subscribe registers a listener typed to the concrete event variant T.
func Subscribe[T events.Event](e *Emitter, fn func(T)) (off func()) {
	var zero T
	return e.On(zero.EventName(), func(ev events.Event) {
		if typed, ok := ev.(T); ok {
			fn(typed)
		}
	})
}
