package app

import (
	"testing"
	"time"

	"slotwatch/internal/eventbus"
	logx "slotwatch/pkg/logx"
)

func TestLogEventsStopsOnUnsubscribe(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)

	done := make(chan struct{})
	go logEvents(logx.Nop(), events, done)

	bus.Publish(eventbus.Event{Type: "queue.batch_finished"})
	unsub()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event consumer did not stop after unsubscribe")
	}
}
