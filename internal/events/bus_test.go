package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(2, nil)

	var mu sync.Mutex
	var got []int
	bus.Subscribe("tick", HandlerFunc("collector", func(e Event) {
		mu.Lock()
		got = append(got, e.Payload.(int))
		mu.Unlock()
	}))

	for i := 0; i < 50; i++ {
		bus.Publish(Event{Type: "tick", Payload: i})
	}
	bus.Shutdown()

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestBus_WildcardAndTypeFiltering(t *testing.T) {
	bus := NewBus(8, nil)

	var typed, all int
	bus.Subscribe("a", HandlerFunc("typed", func(Event) { typed++ }))
	bus.Subscribe(Wildcard, HandlerFunc("all", func(Event) { all++ }))

	bus.Publish(Event{Type: "a"})
	bus.Publish(Event{Type: "b"})
	bus.Shutdown()

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(8, nil)

	var seen int
	bus.Subscribe("x", HandlerFunc("bad", func(Event) { panic("boom") }))
	bus.Subscribe("x", HandlerFunc("good", func(Event) { seen++ }))

	bus.Publish(Event{Type: "x"})
	bus.Publish(Event{Type: "x"})
	bus.Shutdown()

	assert.Equal(t, 2, seen)
}

func TestBus_UnsubscribeAndPublishAfterShutdown(t *testing.T) {
	bus := NewBus(8, nil)

	var seen int
	h := HandlerFunc("h", func(Event) { seen++ })
	bus.Subscribe("x", h)
	bus.Unsubscribe("x", h)

	bus.Publish(Event{Type: "x"})
	bus.Shutdown()
	bus.Shutdown()
	bus.Publish(Event{Type: "x"})

	assert.Zero(t, seen)
}
