// Package events delivers pipeline notifications to observers off the worker goroutine.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cell-quantifier/internal/logger"
)

type Type string

// Wildcard subscribes to every event type.
const Wildcard Type = "*"

type Event struct {
	Type      Type
	Timestamp time.Time
	RunID     string
	Payload   interface{}
}

type Handler interface {
	Handle(event Event)
	GetID() string
}

type handlerFunc struct {
	id string
	fn func(Event)
}

func (h handlerFunc) Handle(event Event) { h.fn(event) }

func (h handlerFunc) GetID() string { return h.id }

// HandlerFunc adapts fn to Handler.
func HandlerFunc(id string, fn func(Event)) Handler {
	return handlerFunc{id: id, fn: fn}
}

// Bus hands events to one dispatch goroutine. Handlers see events in publish
// order and are called one at a time.
type Bus struct {
	subscribers map[Type][]Handler
	mu          sync.RWMutex
	buffer      chan Event
	closeMu     sync.RWMutex
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	log         logger.Logger
}

func NewBus(bufferSize int, log logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())

	bus := &Bus{
		subscribers: make(map[Type][]Handler),
		buffer:      make(chan Event, bufferSize),
		ctx:         ctx,
		cancel:      cancel,
		log:         log,
	}

	bus.startWorker()
	return bus
}

// Publish blocks while the buffer is full. Events published after Shutdown are dropped.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.buffer <- event:
	case <-b.ctx.Done():
	}
}

func (b *Bus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

func (b *Bus) Unsubscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.subscribers[eventType]
	for i, h := range handlers {
		if h.GetID() == handler.GetID() {
			b.subscribers[eventType] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
}

// Shutdown delivers everything already published, then stops the worker.
func (b *Bus) Shutdown() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	close(b.buffer)
	b.closeMu.Unlock()

	b.wg.Wait()
	b.cancel()
}

func (b *Bus) startWorker() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		for event := range b.buffer {
			b.dispatchEvent(event)
		}
	}()
}

func (b *Bus) dispatchEvent(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[event.Type])+len(b.subscribers[Wildcard]))
	handlers = append(handlers, b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[Wildcard]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.safeHandle(handler, event)
	}
}

func (b *Bus) safeHandle(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("EventBus", "handler panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"handler": h.GetID(),
				"event":   string(event.Type),
			})
		}
	}()
	h.Handle(event)
}
